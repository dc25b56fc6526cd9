// Package reactor is the concrete ReactorBridge: one dispatcher goroutine
// owns every callback invocation, giving every other component the
// single-owner-thread guarantee spec.md §5 describes as "no user-visible
// operation may block; every callback runs on the reactor thread". Go has
// no application-visible select/epoll loop, so this implementation leans
// on three idiomatic Go primitives instead of reimplementing one:
//
//   - a buffered task channel drained by one goroutine (Execute)
//   - time.Timer/time.Ticker for ScheduleOnce/ScheduleRepeating
//   - the runtime netpoller, reached through syscall.RawConn, for
//     readable/writable readiness (see io_unix.go)
//
// Readiness callbacks still run through Execute, so a readable/writable
// notification never races a timer or a directly-enqueued task.
package reactor

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
)

var log = logger.Named("reactor")

// ErrClosed is returned by Execute once Terminate has been called.
var ErrClosed = errors.New("reactor: closed")

// Reactor is the concrete interfaces.ReactorBridge.
type Reactor struct {
	tasks chan func()
	done  chan struct{}

	closed atomic.Bool

	wg errgroup.Group
}

var _ interfaces.ReactorBridge = (*Reactor)(nil)

// taskQueueDepth bounds how many pending callbacks Execute will buffer
// before it starts applying backpressure to the caller. Generous: the
// reactor thread should never be the bottleneck in normal operation.
const taskQueueDepth = 4096

// New returns a Reactor that has not yet started dispatching. Call Run on
// a dedicated goroutine, then Execute/Register*/Schedule* from any
// goroutine.
func New() *Reactor {
	return &Reactor{
		tasks: make(chan func(), taskQueueDepth),
		done:  make(chan struct{}),
	}
}

// Run blocks, dispatching tasks until Terminate is called. Intended to be
// the body of the process's one reactor goroutine.
func (r *Reactor) Run() {
	for {
		select {
		case fn := <-r.tasks:
			r.invoke(fn)
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain runs whatever tasks were already enqueued before Terminate fired,
// so a Deregister/Cancel racing shutdown still completes cleanly.
func (r *Reactor) drain() {
	for {
		select {
		case fn := <-r.tasks:
			r.invoke(fn)
		default:
			return
		}
	}
}

func (r *Reactor) invoke(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("reactor callback panicked", "panic", p)
		}
	}()
	fn()
}

// Execute enqueues cb for execution on the reactor thread. Safe to call
// from any goroutine, including the reactor thread itself.
func (r *Reactor) Execute(cb func()) error {
	if r.closed.Load() {
		return ErrClosed
	}
	select {
	case r.tasks <- cb:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Terminate stops accepting new work and wakes Run. Idempotent.
func (r *Reactor) Terminate() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
	}
	_ = r.wg.Wait()
}

// timerHandle adapts a time.Timer/time.Ticker plus its stop goroutine to
// interfaces.TimerHandle.
type timerHandle struct {
	cancel func()
	once   sync.Once
}

func (h *timerHandle) Cancel() {
	h.once.Do(h.cancel)
}

// ScheduleOnce runs cb once, after delay, on the reactor thread.
func (r *Reactor) ScheduleOnce(delay time.Duration, cb func()) interfaces.TimerHandle {
	t := time.NewTimer(delay)
	stop := make(chan struct{})
	h := &timerHandle{cancel: func() {
		t.Stop()
		close(stop)
	}}

	r.wg.Go(func() error {
		select {
		case <-t.C:
			_ = r.Execute(cb)
		case <-stop:
		case <-r.done:
			t.Stop()
		}
		return nil
	})
	return h
}

// ScheduleRepeating runs cb every period, on the reactor thread, until
// canceled.
func (r *Reactor) ScheduleRepeating(period time.Duration, cb func()) interfaces.TimerHandle {
	t := time.NewTicker(period)
	stop := make(chan struct{})
	h := &timerHandle{cancel: func() {
		t.Stop()
		close(stop)
	}}

	r.wg.Go(func() error {
		for {
			select {
			case <-t.C:
				_ = r.Execute(cb)
			case <-stop:
				return nil
			case <-r.done:
				t.Stop()
				return nil
			}
		}
	})
	return h
}

// rwHandle adapts a readiness watcher goroutine's stop channel to
// interfaces.ReadWriteHandle.
type rwHandle struct {
	cancel func()
	once   sync.Once
}

func (h *rwHandle) Cancel() {
	h.once.Do(h.cancel)
}

// mergedStop returns a channel closed when either local or the reactor's
// own shutdown fires, so a watcher goroutine started before Terminate
// always exits without requiring an explicit Cancel.
func (r *Reactor) mergedStop(local <-chan struct{}) <-chan struct{} {
	merged := make(chan struct{})
	r.wg.Go(func() error {
		select {
		case <-local:
		case <-r.done:
		}
		close(merged)
		return nil
	})
	return merged
}

// RegisterReadable invokes cb on the reactor thread whenever conn has data
// available. The watcher never consumes bytes itself (see io_unix.go); cb
// is expected to perform the actual Read, tolerating the rare spurious
// wake-up the same way a select/epoll-based reactor would.
func (r *Reactor) RegisterReadable(conn net.Conn, cb func()) interfaces.ReadWriteHandle {
	local := make(chan struct{})
	h := &rwHandle{cancel: func() { close(local) }}
	stop := r.mergedStop(local)

	r.wg.Go(func() error {
		for {
			ready, err := waitReadable(conn, stop)
			if err != nil {
				return nil
			}
			if !ready {
				continue
			}
			if execErr := r.Execute(cb); execErr != nil {
				return nil
			}
			select {
			case <-stop:
				return nil
			default:
			}
		}
	})
	return h
}

// RegisterWritable invokes cb once on the reactor thread the next time
// conn can accept more written bytes, then stops watching; callers that
// want level-triggered notification re-register from within cb.
func (r *Reactor) RegisterWritable(conn net.Conn, cb func()) interfaces.ReadWriteHandle {
	local := make(chan struct{})
	h := &rwHandle{cancel: func() { close(local) }}
	stop := r.mergedStop(local)

	r.wg.Go(func() error {
		if err := waitWritable(conn, stop); err != nil {
			return nil
		}
		_ = r.Execute(cb)
		return nil
	})
	return h
}
