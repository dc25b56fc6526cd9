// Package health implements HealthCheckedConnection (spec.md §4.4): a
// bidirectional liveness check layered over one MessageQueue. A repeating
// timer emits heartbeat frames; a deadline timer, reset on every received
// frame of any vector, declares the connection unhealthy if nothing
// arrives for receive_timeout.
package health

import (
	"sync"
	"time"

	"github.com/nomis52/ola/internal/queue"
	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
)

var log = logger.Named("health")

// HealthCheckedConnection runs the send-side heartbeat and receive-side
// deadline described in spec.md §4.4. Every method must be called on the
// owning ReactorBridge's dispatcher thread.
type HealthCheckedConnection struct {
	bridge interfaces.ReactorBridge
	queue  *queue.MessageQueue
	codec  interfaces.Codec

	heartbeatInterval time.Duration
	receiveTimeout    time.Duration

	sendTimer interfaces.TimerHandle
	recvTimer interfaces.TimerHandle

	unhealthyOnce sync.Once
	torndown      bool

	// OnUnhealthy runs exactly once, on the reactor thread, the first
	// time receive_timeout elapses without any frame arriving.
	OnUnhealthy func()
}

// New returns a HealthCheckedConnection; call Setup to arm both timers.
func New(bridge interfaces.ReactorBridge, q *queue.MessageQueue, codec interfaces.Codec, heartbeatInterval, receiveTimeout time.Duration) *HealthCheckedConnection {
	return &HealthCheckedConnection{
		bridge:            bridge,
		queue:             q,
		codec:             codec,
		heartbeatInterval: heartbeatInterval,
		receiveTimeout:    receiveTimeout,
	}
}

// Setup sends the first heartbeat synchronously, then arms the repeating
// send-side timer and the initial receive deadline. It returns false if
// the queue rejected the first heartbeat (spec.md §4.4): the caller
// should treat the session as dead-on-arrival.
func (h *HealthCheckedConnection) Setup() bool {
	frame := h.heartbeatFrame()
	wire, err := h.codec.Encode(frame)
	if err != nil {
		log.Error("failed to encode initial heartbeat", "error", err)
		return false
	}
	if h.queue.Send(wire) == queue.Dropped {
		return false
	}

	h.sendTimer = h.bridge.ScheduleRepeating(h.heartbeatInterval, h.sendHeartbeat)
	h.armDeadline()
	return true
}

// Teardown cancels both timers. Must be called before the underlying
// MessageQueue is destroyed (spec.md §4.4).
func (h *HealthCheckedConnection) Teardown() {
	if h.torndown {
		return
	}
	h.torndown = true
	if h.sendTimer != nil {
		h.sendTimer.Cancel()
	}
	if h.recvTimer != nil {
		h.recvTimer.Cancel()
	}
}

// NotifyFrameReceived resets the receive deadline; called for every frame
// decoded off the session, regardless of vector (spec.md §4.4: "every
// received frame... counts as liveness").
func (h *HealthCheckedConnection) NotifyFrameReceived() {
	if h.torndown {
		return
	}
	if h.recvTimer != nil {
		h.recvTimer.Cancel()
	}
	h.armDeadline()
}

func (h *HealthCheckedConnection) armDeadline() {
	h.recvTimer = h.bridge.ScheduleOnce(h.receiveTimeout, h.onDeadlineFired)
}

func (h *HealthCheckedConnection) heartbeatFrame() interfaces.Frame {
	return interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingStatus,
		Endpoint:   protocolids.HeartbeatEndpoint,
	}
}

func (h *HealthCheckedConnection) sendHeartbeat() {
	if h.torndown {
		return
	}
	wire, err := h.codec.Encode(h.heartbeatFrame())
	if err != nil {
		log.Error("failed to encode heartbeat", "error", err)
		return
	}
	if h.queue.Send(wire) == queue.Dropped {
		log.Warn("heartbeat dropped: queue at capacity")
	}
}

func (h *HealthCheckedConnection) onDeadlineFired() {
	if h.torndown {
		return
	}
	h.unhealthyOnce.Do(func() {
		log.Warn("connection declared unhealthy", "receive_timeout", h.receiveTimeout)
		if h.OnUnhealthy != nil {
			h.OnUnhealthy()
		}
	})
}
