package connector

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nomis52/ola/internal/reactor"
	"github.com/nomis52/ola/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustEndpoint(t *testing.T, s string) types.PeerEndpoint {
	t.Helper()
	ep, err := types.ParsePeerEndpoint(s)
	require.NoError(t, err)
	return ep
}

// fakeFactory dials in-memory net.Pipe connections, optionally failing
// the first N attempts per address.
type fakeFactory struct {
	mu       sync.Mutex
	failures map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failures: make(map[string]int)}
}

func (f *fakeFactory) failNTimes(addr string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[addr] = n
}

func (f *fakeFactory) Dial(network, address string) (net.Conn, error) {
	f.mu.Lock()
	remaining := f.failures[address]
	if remaining > 0 {
		f.failures[address] = remaining - 1
	}
	f.mu.Unlock()

	if remaining > 0 {
		return nil, errors.New("simulated dial failure")
	}
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 16)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return client, nil
}

func startReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r := reactor.New()
	go r.Run()
	t.Cleanup(r.Terminate)
	return r
}

func TestAddConnectsImmediatelyOnFirstAttempt(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	c := New(r, f, time.Second, time.Minute)

	ep := mustEndpoint(t, "127.0.0.1:9999")
	connected := make(chan net.Conn, 1)
	c.OnConnected = func(gotEp types.PeerEndpoint, conn net.Conn) {
		require.True(t, ep.Equal(gotEp))
		connected <- conn
	}

	require.NoError(t, r.Execute(func() {
		c.Add(ep, ExponentialBackoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond})
	}))

	select {
	case conn := <-connected:
		_ = conn.Close()
	case <-time.After(time.Second):
		t.Fatal("connect never succeeded")
	}
}

func TestAddRetriesWithBackoffAfterFailure(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "127.0.0.1:8888")
	f.failNTimes(ep.String(), 2)

	c := New(r, f, time.Second, time.Minute)
	connected := make(chan net.Conn, 1)
	var failures int
	var mu sync.Mutex
	c.OnFailed = func(types.PeerEndpoint, error) {
		mu.Lock()
		failures++
		mu.Unlock()
	}
	c.OnConnected = func(_ types.PeerEndpoint, conn net.Conn) {
		connected <- conn
	}

	require.NoError(t, r.Execute(func() {
		c.Add(ep, ExponentialBackoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond})
	}))

	select {
	case conn := <-connected:
		_ = conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("connect never eventually succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, failures)
}

func TestRemoveCancelsPendingAttempt(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "127.0.0.1:7777")
	f.failNTimes(ep.String(), 100) // never succeeds within the test

	c := New(r, f, time.Second, time.Minute)
	connected := make(chan struct{}, 1)
	c.OnConnected = func(types.PeerEndpoint, net.Conn) { connected <- struct{}{} }

	require.NoError(t, r.Execute(func() {
		c.Add(ep, ExponentialBackoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond})
	}))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, r.Execute(func() {
		require.NoError(t, c.Remove(ep))
	}))

	select {
	case <-connected:
		t.Fatal("removed endpoint should not connect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectOneShotReportsResultOnce(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "127.0.0.1:6666")
	c := New(r, f, time.Second, time.Minute)

	results := make(chan error, 1)
	require.NoError(t, r.Execute(func() {
		c.Connect(ep, time.Second, func(conn net.Conn, err error) {
			results <- err
			if conn != nil {
				_ = conn.Close()
			}
		})
	}))

	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("one-shot connect never reported")
	}
}

func TestConnectOneShotCanBeCanceled(t *testing.T) {
	r := startReactor(t)
	f := newFakeFactory()
	ep := mustEndpoint(t, "127.0.0.1:5555")
	c := New(r, f, time.Second, time.Minute)

	called := make(chan struct{}, 1)
	var h *ConnectHandle
	require.NoError(t, r.Execute(func() {
		h = c.Connect(ep, time.Second, func(net.Conn, error) {
			called <- struct{}{}
		})
		h.Cancel()
	}))

	select {
	case <-called:
		// A cancel racing an already-completed dial is acceptable; only
		// assert we don't panic/deadlock.
	case <-time.After(200 * time.Millisecond):
	}
}

// slowFakeFactory records every Dial call and blocks until released,
// standing in for any injected SocketFactory that Connect's mismatched-
// timeout path must keep using instead of silently falling back to a
// real net.Dialer.
type slowFakeFactory struct {
	mu      sync.Mutex
	dials   int
	release chan struct{}
}

func newSlowFakeFactory() *slowFakeFactory {
	return &slowFakeFactory{release: make(chan struct{})}
}

func (f *slowFakeFactory) Dial(network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	<-f.release
	client, _ := net.Pipe()
	return client, nil
}

func (f *slowFakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func TestConnectWithMismatchedTimeoutStillUsesInjectedFactory(t *testing.T) {
	r := startReactor(t)
	f := newSlowFakeFactory()
	defer close(f.release)
	ep := mustEndpoint(t, "127.0.0.1:4444")

	// Connector's own connectTimeout differs from the one-shot timeout
	// passed to Connect, exercising the wrap-don't-replace path.
	c := New(r, f, 5*time.Second, time.Minute)

	results := make(chan error, 1)
	require.NoError(t, r.Execute(func() {
		c.Connect(ep, 20*time.Millisecond, func(conn net.Conn, err error) {
			results <- err
			if conn != nil {
				_ = conn.Close()
			}
		})
	}))

	select {
	case err := <-results:
		require.Error(t, err, "dial should report the enforced timeout")
	case <-time.After(time.Second):
		t.Fatal("Connect never reported a result")
	}

	require.Equal(t, 1, f.dialCount(), "mismatched timeout must still dial through the injected factory")
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	b := ExponentialBackoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	d := b.Next(0)
	require.Equal(t, 5*time.Millisecond, d)
	d = b.Next(d)
	require.Equal(t, 10*time.Millisecond, d)
	d = b.Next(d)
	require.Equal(t, 20*time.Millisecond, d)
	d = b.Next(d)
	require.Equal(t, 20*time.Millisecond, d)
}

func TestLinearBackoffCapsAtMax(t *testing.T) {
	b := LinearBackoff{Step: 5 * time.Second, Max: 30 * time.Second}
	d := b.Next(0)
	require.Equal(t, 5*time.Second, d)
	for i := 0; i < 10; i++ {
		d = b.Next(d)
	}
	require.Equal(t, 30*time.Second, d)
}
