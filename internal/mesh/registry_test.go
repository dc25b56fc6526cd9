package mesh

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nomis52/ola/internal/codec"
	"github.com/nomis52/ola/internal/reactor"
	"github.com/nomis52/ola/internal/session"
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

func mustUid(t *testing.T, s string) types.RdmUid {
	t.Helper()
	uid, err := types.ParseRdmUid(s)
	require.NoError(t, err)
	return uid
}

// remoteReader decodes whatever a PeerSession writes to its raw conn,
// off the goroutine that calls Read, so tests can assert on frames
// without racing the reactor's own writer goroutine.
type remoteReader struct {
	conn net.Conn

	mu      sync.Mutex
	buf     []byte
	frameCh chan interfaces.Frame
}

func newRemoteReader(conn net.Conn) *remoteReader {
	r := &remoteReader{conn: conn, frameCh: make(chan interfaces.Frame, 32)}
	go r.readLoop()
	return r
}

func (r *remoteReader) readLoop() {
	c := codec.New()
	scratch := make([]byte, 4096)
	for {
		n, err := r.conn.Read(scratch)
		if n > 0 {
			r.mu.Lock()
			r.buf = append(r.buf, scratch[:n]...)
			frames, consumed, _ := c.Decode(r.buf)
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

func (r *remoteReader) nextControllerFrame(t *testing.T) (protocolids.ControllerSubVector, []byte) {
	t.Helper()
	select {
	case f := <-r.frameCh:
		require.Equal(t, protocolids.VectorFramingController, f.E133Vector)
		sub, body, err := protocolids.DecodeControllerPayload(f.Payload)
		require.NoError(t, err)
		return sub, body
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for controller frame")
		return 0, nil
	}
}

func (r *remoteReader) requireNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-r.frameCh:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// newTestSession builds a real PeerSession over a net.Pipe, returning the
// remote side's decoding reader.
func newTestSession(t *testing.T, r *reactor.Reactor, peer types.PeerEndpoint) (*session.PeerSession, *remoteReader) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	c := codec.New()
	var s *session.PeerSession
	require.NoError(t, r.Execute(func() {
		var err error
		s, err = session.New(r, server, c, peer, 1<<20, time.Hour, time.Hour)
		require.NoError(t, err)
	}))

	reader := newRemoteReader(client)
	select {
	case <-reader.frameCh:
		// the initial synchronous heartbeat; not a controller frame, no
		// further validation needed here.
	case <-time.After(time.Second):
		t.Fatal("initial heartbeat never arrived")
	}

	return s, reader
}

func TestUpsertLocalGossipsDeviceAcquired(t *testing.T) {
	r := startReactor(t)
	p1 := mustEndpoint(t, "192.0.2.1:5569")
	s1, c1 := newTestSession(t, r, p1)

	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return []*session.PeerSession{s1} })

	uid := mustUid(t, "7a70:00000001")
	deviceUdp := mustEndpoint(t, "192.0.2.50:40000")
	require.NoError(t, r.Execute(func() {
		reg.UpsertLocal(uid, deviceUdp, nil)
	}))

	sub, body := c1.nextControllerFrame(t)
	require.Equal(t, protocolids.ControllerSubVectorDeviceAcquired, sub)
	tuple, err := protocolids.DecodeDeviceTuple(body)
	require.NoError(t, err)
	require.Equal(t, uid, tuple.Uid)
	require.True(t, tuple.Endpoint.Equal(deviceUdp))

	require.NoError(t, r.Execute(s1.Close))
}

func TestReleaseLocalGossipsDeviceReleased(t *testing.T) {
	r := startReactor(t)
	p1 := mustEndpoint(t, "192.0.2.1:5569")
	s1, c1 := newTestSession(t, r, p1)

	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return []*session.PeerSession{s1} })
	uid := mustUid(t, "7a70:00000001")
	deviceUdp := mustEndpoint(t, "192.0.2.50:40000")

	require.NoError(t, r.Execute(func() {
		reg.UpsertLocal(uid, deviceUdp, nil)
	}))
	c1.nextControllerFrame(t) // drain DEVICE_ACQUIRED

	require.NoError(t, r.Execute(func() {
		reg.ReleaseLocal(uid)
	}))
	sub, body := c1.nextControllerFrame(t)
	require.Equal(t, protocolids.ControllerSubVectorDeviceReleased, sub)
	gotUid, err := protocolids.DecodeDeviceReleased(body)
	require.NoError(t, err)
	require.Equal(t, uid, gotUid)

	var snap []types.DeviceRegistryEntry
	require.NoError(t, execSync(r, func() { snap = reg.SnapshotLocal() }))
	require.Empty(t, snap)

	require.NoError(t, r.Execute(s1.Close))
}

func TestUpsertRemoteEmitsNoGossip(t *testing.T) {
	r := startReactor(t)
	p1 := mustEndpoint(t, "192.0.2.1:5569")
	s1, c1 := newTestSession(t, r, p1)

	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return []*session.PeerSession{s1} })
	uid := mustUid(t, "7a70:00000002")
	deviceUdp := mustEndpoint(t, "192.0.2.51:40001")
	learnedVia := mustEndpoint(t, "192.0.2.9:5569")

	require.NoError(t, r.Execute(func() {
		reg.UpsertRemote(uid, deviceUdp, learnedVia)
	}))

	c1.requireNoFrame(t)

	var entry types.DeviceRegistryEntry
	var ok bool
	require.NoError(t, execSync(r, func() { entry, ok = reg.Lookup(uid) }))
	require.True(t, ok)
	require.False(t, entry.Local)
	require.True(t, entry.LearnedVia.Equal(learnedVia))

	require.NoError(t, r.Execute(s1.Close))
}

func TestForgetPeerRemovesOnlyMatchingRemoteEntries(t *testing.T) {
	r := startReactor(t)
	s1, _ := newTestSession(t, r, mustEndpoint(t, "192.0.2.1:5569"))
	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return nil })

	uidA := mustUid(t, "7a70:00000001")
	uidB := mustUid(t, "7a70:00000002")
	peerA := mustEndpoint(t, "192.0.2.10:5569")
	peerB := mustEndpoint(t, "192.0.2.11:5569")

	require.NoError(t, r.Execute(func() {
		reg.UpsertRemote(uidA, mustEndpoint(t, "192.0.2.20:1"), peerA)
		reg.UpsertRemote(uidB, mustEndpoint(t, "192.0.2.21:1"), peerB)
		reg.ForgetPeer(peerA)
	}))

	var aOk, bOk bool
	require.NoError(t, execSync(r, func() {
		_, aOk = reg.Lookup(uidA)
		_, bOk = reg.Lookup(uidB)
	}))
	require.False(t, aOk)
	require.True(t, bOk)

	require.NoError(t, r.Execute(s1.Close))
}

func TestForgetOwnerRemovesOnlyMatchingLocalEntries(t *testing.T) {
	r := startReactor(t)
	s1, c1 := newTestSession(t, r, mustEndpoint(t, "192.0.2.1:5569"))
	owner1, _ := newTestSession(t, r, mustEndpoint(t, "192.0.2.2:5569"))
	owner2, _ := newTestSession(t, r, mustEndpoint(t, "192.0.2.3:5569"))

	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return []*session.PeerSession{s1} })
	uidA := mustUid(t, "7a70:00000001")
	uidB := mustUid(t, "7a70:00000002")

	require.NoError(t, r.Execute(func() {
		reg.UpsertLocal(uidA, mustEndpoint(t, "192.0.2.30:1"), owner1)
		reg.UpsertLocal(uidB, mustEndpoint(t, "192.0.2.31:1"), owner2)
	}))
	c1.nextControllerFrame(t)
	c1.nextControllerFrame(t)

	require.NoError(t, r.Execute(func() {
		reg.ForgetOwner(owner1)
	}))

	var aOk, bOk bool
	require.NoError(t, execSync(r, func() {
		_, aOk = reg.Lookup(uidA)
		_, bOk = reg.Lookup(uidB)
	}))
	require.False(t, aOk)
	require.True(t, bOk)

	require.NoError(t, r.Execute(func() {
		s1.Close()
		owner1.Close()
		owner2.Close()
	}))
}

func TestReleaseRemoteOwnerMismatchDropped(t *testing.T) {
	r := startReactor(t)
	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return nil })

	uid := mustUid(t, "7a70:00000001")
	owner := mustEndpoint(t, "192.0.2.10:5569")
	imposter := mustEndpoint(t, "192.0.2.99:5569")

	require.NoError(t, r.Execute(func() {
		reg.UpsertRemote(uid, mustEndpoint(t, "192.0.2.20:1"), owner)
		reg.ReleaseRemote(uid, imposter)
	}))

	var ok bool
	require.NoError(t, execSync(r, func() { _, ok = reg.Lookup(uid) }))
	require.True(t, ok, "entry must survive a release from a non-owning peer")

	require.NoError(t, r.Execute(func() {
		reg.ReleaseRemote(uid, owner)
	}))
	require.NoError(t, execSync(r, func() { _, ok = reg.Lookup(uid) }))
	require.False(t, ok)
}

func TestSnapshotLocalExcludesRemoteEntries(t *testing.T) {
	r := startReactor(t)
	reg := NewRegistry(codec.New(), func() []*session.PeerSession { return nil })

	localUid := mustUid(t, "7a70:00000001")
	remoteUid := mustUid(t, "7a70:00000002")

	require.NoError(t, r.Execute(func() {
		reg.UpsertLocal(localUid, mustEndpoint(t, "192.0.2.20:1"), nil)
		reg.UpsertRemote(remoteUid, mustEndpoint(t, "192.0.2.21:1"), mustEndpoint(t, "192.0.2.9:5569"))
	}))

	var snap []types.DeviceRegistryEntry
	require.NoError(t, execSync(r, func() { snap = reg.SnapshotLocal() }))
	require.Len(t, snap, 1)
	require.Equal(t, localUid, snap[0].Uid)
}
