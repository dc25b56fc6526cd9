package agent

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nomis52/ola/internal/codec"
	"github.com/nomis52/ola/internal/reactor"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
	"github.com/nomis52/ola/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r := reactor.New()
	go r.Run()
	t.Cleanup(r.Terminate)
	return r
}

// execSync runs fn on r's dispatcher goroutine and returns once fn has
// returned; Reactor.Execute itself only enqueues fn.
func execSync(r *reactor.Reactor, fn func()) error {
	done := make(chan struct{})
	if err := r.Execute(func() { defer close(done); fn() }); err != nil {
		return err
	}
	<-done
	return nil
}

func mustEndpoint(t *testing.T, s string) types.PeerEndpoint {
	t.Helper()
	ep, err := types.ParsePeerEndpoint(s)
	require.NoError(t, err)
	return ep
}

func testConfig() Config {
	return Config{
		MaxQueueSize:          10,
		ConnectTimeout:        time.Second,
		ConnectFailurePenalty: -200,
		ReselectDelay:         10 * time.Millisecond,
		QueueMaxBufferSize:    1 << 20,
		HeartbeatInterval:     time.Hour,
		ReceiveTimeout:        time.Hour,
	}
}

// remoteEnd wraps the "controller side" of a fake dial: a codec-framed
// pipe that drains everything written to it and lets the test push
// frames back and decode what the agent sent.
type remoteEnd struct {
	conn  net.Conn
	codec interfaces.Codec

	mu      sync.Mutex
	buf     []byte
	frameCh chan interfaces.Frame
}

func newRemoteEnd(conn net.Conn) *remoteEnd {
	r := &remoteEnd{conn: conn, codec: codec.New(), frameCh: make(chan interfaces.Frame, 32)}
	go r.readLoop()
	return r
}

func (r *remoteEnd) readLoop() {
	scratch := make([]byte, 4096)
	for {
		n, err := r.conn.Read(scratch)
		if n > 0 {
			r.mu.Lock()
			r.buf = append(r.buf, scratch[:n]...)
			frames, consumed, _ := r.codec.Decode(r.buf)
			r.buf = append([]byte(nil), r.buf[consumed:]...)
			r.mu.Unlock()
			for _, f := range frames {
				r.frameCh <- f
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *remoteEnd) nextFrame(t *testing.T) interfaces.Frame {
	t.Helper()
	select {
	case f := <-r.frameCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame from agent")
		return interfaces.Frame{}
	}
}

func (r *remoteEnd) sendAck(t *testing.T, seq uint32) {
	t.Helper()
	wire, err := r.codec.Encode(interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingStatus,
		Sequence:   seq,
		Endpoint:   1,
	})
	require.NoError(t, err)
	_, err = r.conn.Write(wire)
	require.NoError(t, err)
}

// fakeFactory dials in-memory pipes; failNTimes makes the next n dials to
// an address fail so tests can fail specific attempts.
type fakeFactory struct {
	mu      sync.Mutex
	fail    map[string]int
	remotes map[string]*remoteEnd
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{fail: make(map[string]int), remotes: make(map[string]*remoteEnd)}
}

func (f *fakeFactory) failNTimes(addr string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[addr] = n
}

func (f *fakeFactory) Dial(network, address string) (net.Conn, error) {
	f.mu.Lock()
	remaining := f.fail[address]
	if remaining > 0 {
		f.fail[address] = remaining - 1
	}
	f.mu.Unlock()
	if remaining > 0 {
		return nil, errors.New("simulated dial failure")
	}

	client, server := net.Pipe()
	remote := newRemoteEnd(server)
	f.mu.Lock()
	f.remotes[address] = remote
	f.mu.Unlock()
	return client, nil
}

func (f *fakeFactory) remoteFor(t *testing.T, address string) *remoteEnd {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.remotes[address]
	require.True(t, ok, "no remote recorded for %s", address)
	return r
}

func TestSelectionPrefersHighestPriority(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	epA := mustEndpoint(t, "192.0.2.1:5569")
	epB := mustEndpoint(t, "192.0.2.2:5569")

	refresh := func() []Candidate {
		return []Candidate{
			{Endpoint: epA, Priority: 50},
			{Endpoint: epB, Priority: 100},
		}
	}

	a := New(r, f, codec.New(), refresh, testConfig(), types.RdmUid{}, types.PeerEndpoint{})
	connected := make(chan types.PeerEndpoint, 1)
	a.OnConnected = func(peer types.PeerEndpoint) { connected <- peer }

	require.NoError(t, r.Execute(a.Start))

	select {
	case peer := <-connected:
		require.True(t, peer.Equal(epB))
	case <-time.After(time.Second):
		t.Fatal("agent never connected")
	}

	require.NoError(t, r.Execute(a.Stop))
}

func TestConnectFailurePenalizesAndFallsBackToAlternative(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	epA := mustEndpoint(t, "192.0.2.1:5569")
	epB := mustEndpoint(t, "192.0.2.2:5569")
	f.failNTimes(epB.String(), 1)

	refresh := func() []Candidate {
		return []Candidate{
			{Endpoint: epA, Priority: 50},
			{Endpoint: epB, Priority: 100},
		}
	}

	a := New(r, f, codec.New(), refresh, testConfig(), types.RdmUid{}, types.PeerEndpoint{})
	connected := make(chan types.PeerEndpoint, 1)
	a.OnConnected = func(peer types.PeerEndpoint) { connected <- peer }

	require.NoError(t, r.Execute(a.Start))

	select {
	case peer := <-connected:
		require.True(t, peer.Equal(epA), "expected fallback to A after B's connect failure")
	case <-time.After(time.Second):
		t.Fatal("agent never connected")
	}

	require.NoError(t, r.Execute(a.Stop))
}

func TestSendStatusBuffersSendsAndAcks(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "192.0.2.1:5569")
	refresh := func() []Candidate { return []Candidate{{Endpoint: ep, Priority: 50}} }

	a := New(r, f, codec.New(), refresh, testConfig(), types.RdmUid{}, types.PeerEndpoint{})
	connected := make(chan struct{}, 1)
	a.OnConnected = func(types.PeerEndpoint) { connected <- struct{}{} }
	require.NoError(t, r.Execute(a.Start))

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("agent never connected")
	}

	var accepted bool
	require.NoError(t, execSync(r, func() {
		accepted = a.SendStatus(7, []byte("payload"))
	}))
	require.True(t, accepted)

	remote := f.remoteFor(t, ep.String())
	// Drain the initial heartbeat first.
	hb := remote.nextFrame(t)
	require.Equal(t, protocolids.VectorFramingStatus, hb.E133Vector)

	statusFrame := remote.nextFrame(t)
	require.Equal(t, protocolids.VectorFramingRdmnet, statusFrame.E133Vector)
	require.Equal(t, uint16(7), statusFrame.Endpoint)
	require.Equal(t, "payload", string(statusFrame.Payload))

	remote.sendAck(t, statusFrame.Sequence)

	require.Eventually(t, func() bool {
		done := make(chan bool, 1)
		_ = r.Execute(func() { done <- len(a.outstanding) == 0 })
		return <-done
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Execute(a.Stop))
}

func TestOutstandingCapacityRefusesFurtherSends(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "192.0.2.1:5569")
	refresh := func() []Candidate { return []Candidate{{Endpoint: ep, Priority: 50}} }

	cfg := testConfig()
	cfg.MaxQueueSize = 2
	a := New(r, f, codec.New(), refresh, cfg, types.RdmUid{}, types.PeerEndpoint{})

	var results []bool
	require.NoError(t, execSync(r, func() {
		results = append(results, a.SendStatus(1, []byte("a")))
		results = append(results, a.SendStatus(1, []byte("b")))
		results = append(results, a.SendStatus(1, []byte("c")))
	}))

	require.Equal(t, []bool{true, true, false}, results)
	require.NoError(t, r.Execute(a.Stop))
}

func TestSequenceNumberWrapsWithoutCollision(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "192.0.2.1:5569")
	refresh := func() []Candidate { return []Candidate{{Endpoint: ep, Priority: 50}} }

	a := New(r, f, codec.New(), refresh, testConfig(), types.RdmUid{}, types.PeerEndpoint{})
	a.nextSeq = ^uint32(0) - 1 // one below max

	var seqs []uint32
	require.NoError(t, execSync(r, func() {
		for i := 0; i < 4; i++ {
			require.True(t, a.SendStatus(1, []byte{byte(i)}))
		}
		for k := range a.outstanding {
			seqs = append(seqs, k)
		}
	}))

	require.Len(t, seqs, 4)
	seen := make(map[uint32]bool)
	for _, s := range seqs {
		require.False(t, seen[s], "sequence collision at %d", s)
		seen[s] = true
	}
	require.Contains(t, seqs, uint32(0))
	require.NoError(t, r.Execute(a.Stop))
}

func TestDeviceRegEmittedWhenConfigured(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "192.0.2.1:5569")
	refresh := func() []Candidate { return []Candidate{{Endpoint: ep, Priority: 50}} }

	cfg := testConfig()
	cfg.SendDeviceReg = true
	uid, err := types.ParseRdmUid("7a70:00000001")
	require.NoError(t, err)
	deviceUdp := mustEndpoint(t, "192.0.2.50:40000")

	a := New(r, f, codec.New(), refresh, cfg, uid, deviceUdp)
	connected := make(chan struct{}, 1)
	a.OnConnected = func(types.PeerEndpoint) { connected <- struct{}{} }
	require.NoError(t, r.Execute(a.Start))

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("agent never connected")
	}

	remote := f.remoteFor(t, ep.String())
	_ = remote.nextFrame(t) // heartbeat
	regFrame := remote.nextFrame(t)
	require.Equal(t, protocolids.VectorFramingController, regFrame.E133Vector)
	sub, body, err := protocolids.DecodeControllerPayload(regFrame.Payload)
	require.NoError(t, err)
	require.Equal(t, protocolids.ControllerSubVectorDeviceReg, sub)
	tuple, err := protocolids.DecodeDeviceTuple(body)
	require.NoError(t, err)
	require.True(t, tuple.Endpoint.Equal(deviceUdp))
	require.Equal(t, uid, tuple.Uid)

	require.NoError(t, r.Execute(a.Stop))
}
