package interfaces

import (
	"net"
	"time"
)

// TimerHandle identifies a scheduled one-shot or repeating callback.
// Cancel is idempotent (spec.md §4.1).
type TimerHandle interface {
	Cancel()
}

// ReadWriteHandle identifies a registered descriptor readiness
// subscription. Cancel stops the subscription and is idempotent.
type ReadWriteHandle interface {
	Cancel()
}

// ReactorBridge abstracts the single-threaded cooperative dispatcher every
// top-level component runs its callbacks on (spec.md §4.1, §5). Go has no
// application-visible select/epoll surface, so the concrete
// implementation in internal/reactor realizes this contract with one
// dispatcher goroutine draining a task channel, a timer table built on
// time.Timer, and one reader/writer goroutine per registered net.Conn that
// funnels results back through Execute — giving callbacks the same
// single-owner-thread guarantee a C-style reactor would.
type ReactorBridge interface {
	// RegisterReadable invokes cb (on the reactor thread) whenever conn
	// has data available to read. Spurious wake-ups are tolerated: cb
	// must re-check readiness itself (e.g. by attempting a read).
	RegisterReadable(conn net.Conn, cb func()) ReadWriteHandle

	// RegisterWritable invokes cb (on the reactor thread) once, the next
	// time conn is ready to accept more written bytes, and then stops
	// watching; callers register again for a further notification.
	RegisterWritable(conn net.Conn, cb func()) ReadWriteHandle

	// ScheduleOnce runs cb once, after delay, on the reactor thread.
	ScheduleOnce(delay time.Duration, cb func()) TimerHandle

	// ScheduleRepeating runs cb every period, on the reactor thread,
	// until canceled.
	ScheduleRepeating(period time.Duration, cb func()) TimerHandle

	// Execute queues cb for execution on the reactor thread. Safe to
	// call from any goroutine. Returns an error if the reactor is
	// shutting down (fails closed).
	Execute(cb func()) error

	// Terminate wakes the reactor so Run returns after the current task
	// completes. Idempotent.
	Terminate()

	// Run blocks the calling goroutine, dispatching tasks and timers,
	// until Terminate is called.
	Run()
}
