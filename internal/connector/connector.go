// Package connector implements TcpConnector (spec.md §4.5): a
// per-endpoint connect state machine {Idle -> Connecting -> (Connected |
// Failed -> Backoff -> Connecting)} with a hard per-attempt timeout and
// exponential (or linear) backoff between retries.
package connector

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

var log = logger.Named("connector")

// ErrUnknownEndpoint is returned by Remove for an endpoint that was never
// added (or already removed).
var ErrUnknownEndpoint = errors.New("connector: unknown endpoint")

// state is one endpoint's position in the {Idle, Connecting, Connected,
// Backoff} state machine.
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateBackoff
)

// dialHistoryCapacity bounds the recent-failure cache independent of how
// many endpoints are currently tracked, so a churn of short-lived
// endpoints (e.g. distributor rediscovery) can't grow it unbounded.
const dialHistoryCapacity = 4096

// entry is one endpoint's tracked connect state.
type entry struct {
	ep       types.PeerEndpoint
	policy   BackoffPolicy
	state    state
	delay    time.Duration
	timer    interfaces.TimerHandle
	canceled atomic.Bool
}

// Connector is TcpConnector. OnConnected/OnFailed run on the reactor
// thread. All exported methods must be called on the reactor thread.
type Connector struct {
	bridge  interfaces.ReactorBridge
	factory interfaces.SocketFactory

	connectTimeout time.Duration

	mu      sync.Mutex // guards entries; goroutines report failure/success from off-thread
	entries map[string]*entry

	// history remembers recently-failed endpoints so a fresh Add for an
	// endpoint that just failed starts in Backoff instead of retrying
	// immediately, avoiding a thundering herd when a peer flaps.
	history *lru.LRU[string, struct{}]

	OnConnected func(ep types.PeerEndpoint, conn net.Conn)
	OnFailed    func(ep types.PeerEndpoint, err error)
}

// New returns a Connector dialing through factory with the given
// per-attempt timeout and dial-history TTL.
func New(bridge interfaces.ReactorBridge, factory interfaces.SocketFactory, connectTimeout, historyTTL time.Duration) *Connector {
	if factory == nil {
		factory = DefaultSocketFactory(connectTimeout)
	}
	return &Connector{
		bridge:         bridge,
		factory:        factory,
		connectTimeout: connectTimeout,
		entries:        make(map[string]*entry),
		history:        lru.NewLRU[string, struct{}](dialHistoryCapacity, nil, historyTTL),
	}
}

// dialerFactory adapts *net.Dialer to interfaces.SocketFactory.
type dialerFactory struct {
	dialer net.Dialer
}

func (f dialerFactory) Dial(network, address string) (net.Conn, error) {
	return f.dialer.Dial(network, address)
}

// DefaultSocketFactory returns a SocketFactory backed by net.Dialer with
// the given per-attempt timeout.
func DefaultSocketFactory(timeout time.Duration) interfaces.SocketFactory {
	return dialerFactory{dialer: net.Dialer{Timeout: timeout}}
}

// timeoutFactory enforces timeout around an arbitrary delegate factory's
// Dial, without assuming the delegate honors a deadline itself (the
// SocketFactory contract has no context/deadline parameter). A dial that
// finishes after timeout has fired gets its connection closed rather than
// handed back, so the delegate is never silently dropped in favor of a
// different one.
type timeoutFactory struct {
	factory interfaces.SocketFactory
	timeout time.Duration
}

func (f timeoutFactory) Dial(network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := f.factory.Dial(network, address)
		resCh <- result{conn, err}
	}()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-timer.C:
		go func() {
			res := <-resCh
			if res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connector: dial to %s timed out after %s", address, f.timeout)
	}
}

// Add starts connect attempts to ep with initial delay 0, using policy
// for retry backoff (spec.md §4.5).
func (c *Connector) Add(ep types.PeerEndpoint, policy BackoffPolicy) {
	key := ep.String()

	c.mu.Lock()
	if _, exists := c.entries[key]; exists {
		c.mu.Unlock()
		return
	}
	e := &entry{ep: ep, policy: policy}
	c.entries[key] = e
	_, recentlyFailed := c.history.Get(key)
	c.mu.Unlock()

	if recentlyFailed {
		e.delay = policy.Next(0)
		c.scheduleBackoff(e)
		return
	}
	c.startConnecting(e)
}

// Remove cancels any pending attempt for ep. If ep is Connected the
// caller owns closing the handed-off socket.
func (c *Connector) Remove(ep types.PeerEndpoint) error {
	key := ep.String()
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownEndpoint
	}
	delete(c.entries, key)
	c.mu.Unlock()

	e.canceled.Store(true)
	if e.timer != nil {
		e.timer.Cancel()
	}
	return nil
}

func (c *Connector) startConnecting(e *entry) {
	e.state = stateConnecting
	go func() {
		conn, err := c.factory.Dial("tcp", e.ep.String())
		_ = c.bridge.Execute(func() {
			c.onDialResult(e, conn, err)
		})
	}()
}

func (c *Connector) onDialResult(e *entry, conn net.Conn, err error) {
	if e.canceled.Load() {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		e.state = stateBackoff
		c.history.Add(e.ep.String(), struct{}{})
		log.Warn("connect attempt failed", "endpoint", e.ep.String(), "error", err)
		if c.OnFailed != nil {
			c.OnFailed(e.ep, err)
		}
		e.delay = e.policy.Next(e.delay)
		c.scheduleBackoff(e)
		return
	}

	e.state = stateConnected
	c.mu.Lock()
	delete(c.entries, e.ep.String())
	c.mu.Unlock()
	if c.OnConnected != nil {
		c.OnConnected(e.ep, conn)
	}
}

func (c *Connector) scheduleBackoff(e *entry) {
	e.timer = c.bridge.ScheduleOnce(e.delay, func() {
		if e.canceled.Load() {
			return
		}
		c.startConnecting(e)
	})
}

// ConnectHandle identifies a one-shot connect() scheduled independently
// of the Add/Remove endpoint lifecycle (spec.md §4.5, used by
// ControllerAgent's selection algorithm).
type ConnectHandle struct {
	cancel func()
	once   sync.Once
}

// Cancel aborts a pending one-shot connect attempt. Idempotent.
func (h *ConnectHandle) Cancel() {
	h.once.Do(h.cancel)
}

// Connect performs a single connect attempt to ep with a hard deadline,
// independent of any Add-managed state machine. OnResult runs exactly
// once, on the reactor thread, with either a connected socket or an
// error, unless the returned handle is canceled first.
func (c *Connector) Connect(ep types.PeerEndpoint, timeout time.Duration, onResult func(net.Conn, error)) *ConnectHandle {
	canceled := make(chan struct{})
	h := &ConnectHandle{cancel: func() { close(canceled) }}

	factory := c.factory
	if timeout != c.connectTimeout {
		factory = timeoutFactory{factory: c.factory, timeout: timeout}
	}

	go func() {
		conn, err := factory.Dial("tcp", ep.String())
		select {
		case <-canceled:
			if conn != nil {
				_ = conn.Close()
			}
			return
		default:
		}
		_ = c.bridge.Execute(func() {
			select {
			case <-canceled:
				if conn != nil {
					_ = conn.Close()
				}
				return
			default:
			}
			onResult(conn, err)
		})
	}()
	return h
}
