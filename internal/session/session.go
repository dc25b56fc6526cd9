// Package session implements PeerSession (spec.md §4.6): the composition
// of one connected socket, an inbound frame decoder, a MessageQueue, and
// a HealthCheckedConnection into a single unit with one close path.
package session

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/nomis52/ola/internal/health"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/internal/queue"
	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

var log = logger.Named("session")

// ErrHealthSetupFailed is returned by New when the initial synchronous
// heartbeat was rejected by the queue (spec.md §4.6 step 3).
var ErrHealthSetupFailed = errors.New("session: health check setup failed")

// readChunkSize is the scratch buffer size for one Read call; frames may
// span multiple reads, so decoded bytes accumulate in a growable buffer.
const readChunkSize = 4096

// PeerSession binds a TCP socket, a MessageQueue, a
// HealthCheckedConnection, and an inbound frame decoder into one unit
// with a single close path (spec.md §4.6). All methods, Close and Send
// included, must be called on the owning ReactorBridge's dispatcher
// thread; other goroutines reach them through ReactorBridge.Execute.
type PeerSession struct {
	bridge interfaces.ReactorBridge
	conn   net.Conn
	codec  interfaces.Codec
	peer   types.PeerEndpoint

	queue  *queue.MessageQueue
	health *health.HealthCheckedConnection
	metrics *metrics.Metrics

	readHandle interfaces.ReadWriteHandle
	decodeBuf  []byte

	closed atomic.Bool

	// OnFrame runs on the reactor thread for every decoded frame.
	OnFrame func(f interfaces.Frame)

	// OnClose runs at most once, on the reactor thread, when the session
	// closes for any reason (peer EOF, health failure, explicit Close).
	OnClose func(peer types.PeerEndpoint)
}

// New wraps a already-connected conn as a PeerSession. Must be called on
// the reactor thread. If the initial synchronous heartbeat is rejected,
// the partially-built session is torn down and ErrHealthSetupFailed is
// returned (spec.md §4.6 step 3).
func New(bridge interfaces.ReactorBridge, conn net.Conn, codec interfaces.Codec, peer types.PeerEndpoint, queueMaxBufferSize int, heartbeatInterval, receiveTimeout time.Duration) (*PeerSession, error) {
	q := queue.New(bridge, conn, queueMaxBufferSize)
	h := health.New(bridge, q, codec, heartbeatInterval, receiveTimeout)

	s := &PeerSession{
		bridge: bridge,
		conn:   conn,
		codec:  codec,
		peer:   peer,
		queue:  q,
		health: h,
	}
	q.OnWriteError = func(err error) {
		log.Warn("session write failed, closing", "peer", peer.String(), "error", err)
		s.Close()
	}
	h.OnUnhealthy = func() {
		s.metrics.IncHealthCheckFailure(peer.String())
		log.Warn("session unhealthy, closing", "peer", peer.String())
		s.Close()
	}

	if !h.Setup() {
		s.Close()
		return nil, ErrHealthSetupFailed
	}

	s.readHandle = bridge.RegisterReadable(conn, s.onReadable)
	return s, nil
}

// Send enqueues a frame's encoded bytes for delivery. Must be called on
// the reactor thread; PeerSession itself just forwards to the queue.
func (s *PeerSession) Send(f interfaces.Frame) queue.Outcome {
	if s.closed.Load() {
		return queue.Dropped
	}
	wire, err := s.codec.Encode(f)
	if err != nil {
		log.Error("failed to encode outgoing frame", "error", err)
		return queue.Dropped
	}
	outcome := s.queue.Send(wire)
	s.metrics.SetQueueOccupancy(s.peer.String(), s.queue.Occupancy())
	return outcome
}

// Peer returns the remote endpoint this session was constructed for.
func (s *PeerSession) Peer() types.PeerEndpoint {
	return s.peer
}

// SetMetrics attaches m so this session's queue occupancy and health
// check failures are exported. A nil m (the default) makes every metrics
// call a no-op.
func (s *PeerSession) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// QueueLimitReached reports whether the outbound MessageQueue is
// currently at capacity; callers use this to decide whether a Send would
// be Dropped before attempting it (e.g. ControllerAgent deciding whether
// a buffered message fits before pushing it).
func (s *PeerSession) QueueLimitReached() bool {
	return s.queue.LimitReached()
}

func (s *PeerSession) onReadable() {
	if s.closed.Load() {
		return
	}
	scratch := make([]byte, readChunkSize)
	n, err := s.conn.Read(scratch)
	if n > 0 {
		s.decodeBuf = append(s.decodeBuf, scratch[:n]...)
		frames, consumed, decodeErr := s.codec.Decode(s.decodeBuf)
		if consumed > 0 {
			s.decodeBuf = append([]byte(nil), s.decodeBuf[consumed:]...)
		}
		for _, f := range frames {
			s.health.NotifyFrameReceived()
			if s.OnFrame != nil {
				s.OnFrame(f)
			}
		}
		if decodeErr != nil {
			log.Warn("frame decode error, closing session", "peer", s.peer.String(), "error", decodeErr)
			s.Close()
			return
		}
	}
	if err != nil {
		log.Debug("session read ended", "peer", s.peer.String(), "error", err)
		s.Close()
	}
}

// Close is idempotent. Ordering matters (spec.md §4.6): deregister the
// descriptor, tear down the health check (cancelling timers) before
// dropping the queue the heartbeat timer writes to, then close the
// socket.
func (s *PeerSession) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.readHandle != nil {
		s.readHandle.Cancel()
	}
	s.health.Teardown()
	s.queue.Close()
	_ = s.conn.Close()
	s.metrics.DeleteQueueOccupancy(s.peer.String())

	if s.OnClose != nil {
		s.OnClose(s.peer)
	}
}
