// Package queue implements MessageQueue (spec.md §4.3): a bounded,
// back-pressured byte buffer layered over one connected socket. Every
// mutating method must be called on the owning ReactorBridge's dispatcher
// thread — the same single-owner-thread discipline every other component
// in this module follows — so the buffer itself needs no lock.
package queue

import (
	"net"
	"sync/atomic"

	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
)

var log = logger.Named("queue")

// DefaultMaxBufferSize is the default byte cap (spec.md §4.3).
const DefaultMaxBufferSize = 64 * 1024

// Outcome is send's result.
type Outcome int

const (
	Accepted Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "dropped"
}

// MessageQueue wraps one connected net.Conn with a bounded outbound byte
// buffer. Writes to the socket happen on a dedicated writer goroutine so
// the reactor thread is never blocked in a syscall (spec.md §5); buffer
// bookkeeping itself only ever runs on the reactor thread, driven back
// through ReactorBridge.Execute once a write completes.
type MessageQueue struct {
	bridge interfaces.ReactorBridge
	conn   net.Conn

	maxBufferSize int
	buf           []byte

	associated  bool
	writing     bool
	writeHandle interfaces.ReadWriteHandle

	closed atomic.Bool

	// OnWriteError is invoked (on the reactor thread) if a write to the
	// socket fails; PeerSession wires this to its own teardown.
	OnWriteError func(err error)
}

// New returns a MessageQueue bound to conn, dispatched through bridge.
func New(bridge interfaces.ReactorBridge, conn net.Conn, maxBufferSize int) *MessageQueue {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &MessageQueue{
		bridge:        bridge,
		conn:          conn,
		maxBufferSize: maxBufferSize,
	}
}

// Send appends payload to the buffer and returns Dropped iff the queue is
// closed or the buffer is already at or above its limit (spec.md §4.3).
// Must be called on the reactor thread.
func (q *MessageQueue) Send(payload []byte) Outcome {
	if q.closed.Load() {
		return Dropped
	}
	if len(q.buf) >= q.maxBufferSize {
		return Dropped
	}
	q.buf = append(q.buf, payload...)
	q.associateIfRequired()
	return Accepted
}

// LimitReached reports whether Send would currently fail.
func (q *MessageQueue) LimitReached() bool {
	return len(q.buf) >= q.maxBufferSize
}

// Occupancy returns the current buffered byte count.
func (q *MessageQueue) Occupancy() int {
	return len(q.buf)
}

// ModifyLimit changes the byte cap; per spec.md §4.3 the new limit is
// clamped up to current occupancy so no buffered bytes are discarded.
func (q *MessageQueue) ModifyLimit(n int) {
	if n < len(q.buf) {
		n = len(q.buf)
	}
	q.maxBufferSize = n
}

// associateIfRequired registers for writable notifications the first time
// the buffer becomes non-empty; deregistration happens once the buffer
// drains, preventing a busy-wake loop (spec.md §4.3).
func (q *MessageQueue) associateIfRequired() {
	if q.closed.Load() || q.associated || q.writing || len(q.buf) == 0 {
		return
	}
	q.associated = true
	q.writeHandle = q.bridge.RegisterWritable(q.conn, q.performWrite)
}

// performWrite runs on the reactor thread when the socket becomes
// writable. The actual (blocking) syscall write happens on a dedicated
// goroutine; the result is folded back into buffer state via Execute.
func (q *MessageQueue) performWrite() {
	q.associated = false
	if q.closed.Load() || len(q.buf) == 0 {
		return
	}

	pending := q.buf
	q.writing = true

	go func() {
		n, err := q.conn.Write(pending)
		_ = q.bridge.Execute(func() {
			q.onWriteComplete(pending, n, err)
		})
	}()
}

func (q *MessageQueue) onWriteComplete(attempted []byte, n int, err error) {
	q.writing = false
	if q.closed.Load() {
		return
	}
	if n > 0 {
		// buf may have grown while the write was in flight; only trim the
		// prefix that was actually attempted and written.
		if n >= len(attempted) {
			q.buf = q.buf[len(attempted):]
		} else {
			q.buf = q.buf[n:]
		}
	}
	if err != nil {
		log.Warn("write failed", "error", err)
		if q.OnWriteError != nil {
			q.OnWriteError(err)
		}
		return
	}
	q.associateIfRequired()
}

// Close stops accepting new writable registrations; a write already in
// flight is allowed to complete (its Execute callback becomes a no-op
// once closed).
func (q *MessageQueue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	if q.writeHandle != nil {
		q.writeHandle.Cancel()
	}
}
