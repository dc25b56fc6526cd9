// Package agent implements ControllerAgent (spec.md §4.7): the
// device-side component that maintains exactly one TCP session to a
// chosen controller and delivers status messages with at-least-once
// semantics across reconnects.
package agent

import (
	"net"
	"time"

	"github.com/nomis52/ola/internal/connector"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/internal/queue"
	"github.com/nomis52/ola/internal/session"
	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
	"github.com/nomis52/ola/pkg/types"
)

var log = logger.Named("agent")

// Candidate is one controller selection input: an address and its
// currently-advertised priority (spec.md §4.7 step 1).
type Candidate struct {
	Endpoint types.PeerEndpoint
	Priority int16
}

// CandidateProvider returns the current set of known controllers; it is
// re-run every time the agent needs a selection target.
type CandidateProvider func() []Candidate

// Config tunes ControllerAgent. Provide (module.go) fills it from the
// Agent, Connector, Queue and Health sections of config.Config.
type Config struct {
	MaxQueueSize          int
	ConnectTimeout        time.Duration
	ConnectFailurePenalty int16
	ReselectDelay         time.Duration
	SendDeviceReg         bool
	QueueMaxBufferSize    int
	HeartbeatInterval     time.Duration
	ReceiveTimeout        time.Duration
}

// knownController is one entry in the agent's persistent candidate list.
// priority is the working value (subject to connect-failure penalties and
// the all-bad reset); advertised is the most recent value the
// CandidateProvider reported for this endpoint.
type knownController struct {
	endpoint   types.PeerEndpoint
	priority   int16
	advertised int16
	seen       bool
}

// outstandingMessage is one buffered, not-yet-acknowledged status message
// (spec.md §4.7's OutstandingMessage).
type outstandingMessage struct {
	endpoint   uint16
	payload    []byte
	sentOnWire bool
}

// ControllerAgent is the device-side controller-selection and
// status-message-delivery state machine. All exported methods must be
// called on the owning ReactorBridge's dispatcher thread.
type ControllerAgent struct {
	bridge    interfaces.ReactorBridge
	connector *connector.Connector
	codec     interfaces.Codec
	refresh   CandidateProvider
	cfg       Config
	metrics   *metrics.Metrics

	localUid       types.RdmUid
	localDeviceUdp types.PeerEndpoint

	known []knownController

	sess          *session.PeerSession
	connectHandle *connector.ConnectHandle
	reselectTimer interfaces.TimerHandle

	outstanding map[uint32]*outstandingMessage
	nextSeq     uint32
	unsent      bool

	// stopped is set by Stop to suppress the automatic reselect/reconnect
	// that a live session's close would otherwise trigger.
	stopped bool

	// OnConnected/OnDisconnected run on the reactor thread.
	OnConnected    func(peer types.PeerEndpoint)
	OnDisconnected func()
}

// New returns a ControllerAgent. localUid/localDeviceUdp are only used
// when cfg.SendDeviceReg is set, to populate the DEVICE_REG PDU this
// device sends its controller immediately after connecting
// (SPEC_FULL.md §6, recovered from Gen2E133Device.cc).
func New(bridge interfaces.ReactorBridge, factory interfaces.SocketFactory, codec interfaces.Codec, refresh CandidateProvider, cfg Config, localUid types.RdmUid, localDeviceUdp types.PeerEndpoint) *ControllerAgent {
	return &ControllerAgent{
		bridge:         bridge,
		connector:      connector.New(bridge, factory, cfg.ConnectTimeout, cfg.ConnectTimeout),
		codec:          codec,
		refresh:        refresh,
		cfg:            cfg,
		localUid:       localUid,
		localDeviceUdp: localDeviceUdp,
		outstanding:    make(map[uint32]*outstandingMessage),
	}
}

// Start begins the selection/connect cycle. Must be called on the
// reactor thread.
func (a *ControllerAgent) Start() {
	a.stopped = false
	a.attemptConnection()
}

// Stop tears down any live session and cancels pending timers/connects.
// Unlike a peer-initiated close, Stop does not trigger reselection.
func (a *ControllerAgent) Stop() {
	a.stopped = true
	if a.reselectTimer != nil {
		a.reselectTimer.Cancel()
		a.reselectTimer = nil
	}
	if a.connectHandle != nil {
		a.connectHandle.Cancel()
		a.connectHandle = nil
	}
	if a.sess != nil {
		a.sess.Close()
	}
}

// IsConnected reports whether a PeerSession is currently installed.
func (a *ControllerAgent) IsConnected() bool {
	return a.sess != nil
}

// OutstandingCount reports the current unacknowledged-message backlog
// size, mirroring what SetMetrics reports as rdmnet_agent_outstanding_messages.
func (a *ControllerAgent) OutstandingCount() int {
	return len(a.outstanding)
}

// SetMetrics attaches m so connect attempts and backlog size are exported.
// A nil m (the default) makes every metrics call a no-op.
func (a *ControllerAgent) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

func (a *ControllerAgent) reportOutstanding() {
	a.metrics.SetOutstandingMessages(len(a.outstanding))
}

// attemptConnection runs the selection algorithm (spec.md §4.7) and
// either starts a one-shot connect to the chosen controller or schedules
// a retry in ReselectDelay if no candidate is available.
func (a *ControllerAgent) attemptConnection() {
	if a.stopped {
		return
	}
	target, ok := a.pickController()
	if !ok {
		a.reselectTimer = a.bridge.ScheduleOnce(a.cfg.ReselectDelay, func() {
			a.reselectTimer = nil
			a.attemptConnection()
		})
		return
	}

	a.connectHandle = a.connector.Connect(target, a.cfg.ConnectTimeout, func(conn net.Conn, err error) {
		a.connectHandle = nil
		a.onConnectResult(target, conn, err)
	})
}

// pickController runs the merge-known-list/reselect algorithm described
// in spec.md §4.7 steps 1-4.
func (a *ControllerAgent) pickController() (types.PeerEndpoint, bool) {
	candidates := a.refresh()

	allBad := true
	for i := range a.known {
		a.known[i].seen = false
		if a.known[i].priority >= 0 {
			allBad = false
		}
	}

	for _, c := range candidates {
		found := false
		for i := range a.known {
			if a.known[i].endpoint.Equal(c.Endpoint) {
				a.known[i].seen = true
				a.known[i].advertised = c.Priority
				found = true
				break
			}
		}
		if !found {
			log.Info("added controller to known list", "endpoint", c.Endpoint.String())
			a.known = append(a.known, knownController{
				endpoint:   c.Endpoint,
				priority:   c.Priority,
				advertised: c.Priority,
				seen:       true,
			})
			allBad = false
		}
	}

	if allBad && len(a.known) > 0 {
		log.Info("all known controllers bad, resetting priorities")
		for i := range a.known {
			a.known[i].priority = a.known[i].advertised
		}
	}

	kept := a.known[:0]
	var bestIdx = -1
	for i := range a.known {
		k := a.known[i]
		if !k.seen {
			log.Info("removed controller from known list", "endpoint", k.endpoint.String())
			continue
		}
		kept = append(kept, k)
		if bestIdx == -1 || k.priority > kept[bestIdx].priority {
			bestIdx = len(kept) - 1
		}
	}
	a.known = kept

	if bestIdx == -1 {
		return types.PeerEndpoint{}, false
	}
	best := a.known[bestIdx]
	log.Info("selected controller", "endpoint", best.endpoint.String(), "priority", best.priority)
	return best.endpoint, true
}

// onConnectResult handles the outcome of the one-shot connect attempt
// started in attemptConnection (spec.md §4.7's ConnectionResult).
func (a *ControllerAgent) onConnectResult(target types.PeerEndpoint, conn net.Conn, err error) {
	if err != nil {
		a.metrics.IncConnectAttempt("failure")
		log.Info("failed to connect to controller", "endpoint", target.String(), "error", err)
		for i := range a.known {
			if a.known[i].endpoint.Equal(target) {
				a.known[i].priority += a.cfg.ConnectFailurePenalty
				break
			}
		}
		a.attemptConnection()
		return
	}

	sess, newErr := session.New(a.bridge, conn, a.codec, target, a.cfg.QueueMaxBufferSize, a.cfg.HeartbeatInterval, a.cfg.ReceiveTimeout)
	if newErr != nil {
		a.metrics.IncConnectAttempt("failure")
		log.Warn("failed to set up session to controller", "endpoint", target.String(), "error", newErr)
		a.attemptConnection()
		return
	}
	a.metrics.IncConnectAttempt("success")
	sess.SetMetrics(a.metrics)
	a.sess = sess
	sess.OnFrame = a.handleFrame
	sess.OnClose = func(types.PeerEndpoint) { a.onSessionClosed() }

	if a.cfg.SendDeviceReg && a.localUid.Valid() {
		a.sendDeviceReg()
	}

	a.drainOutstanding()

	log.Info("connected to controller", "endpoint", target.String())
	if a.OnConnected != nil {
		a.OnConnected(target)
	}
}

// sendDeviceReg emits VECTOR_CONTROLLER_DEVICE_REG over the freshly
// installed session (SPEC_FULL.md §6).
func (a *ControllerAgent) sendDeviceReg() {
	body, err := protocolids.EncodeDeviceTuple(protocolids.DeviceTuple{
		Endpoint: a.localDeviceUdp,
		Uid:      a.localUid,
	})
	if err != nil {
		log.Warn("failed to encode device registration body", "error", err)
		return
	}
	a.sess.Send(interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingController,
		Endpoint:   protocolids.HeartbeatEndpoint,
		Payload:    protocolids.EncodeControllerPayload(protocolids.ControllerSubVectorDeviceReg, body),
	})
}

// onSessionClosed handles a session teardown triggered by the peer, a
// health check failure, or a local error. Outstanding messages are
// preserved and marked unsent for retransmission; the sequence counter
// is not reset (spec.md §4.7 "Connection drop").
func (a *ControllerAgent) onSessionClosed() {
	a.sess = nil
	for _, m := range a.outstanding {
		m.sentOnWire = false
	}
	a.unsent = len(a.outstanding) > 0
	if a.OnDisconnected != nil {
		a.OnDisconnected()
	}
	if !a.stopped {
		a.attemptConnection()
	}
}

// drainOutstanding (re)sends every buffered message in ascending
// sequence order, marking sentOnWire for each that fits within the
// queue's cap (spec.md §4.7 "On connect result: Success").
func (a *ControllerAgent) drainOutstanding() {
	seqs := a.sortedOutstandingKeys()
	sentAll := true
	for _, seq := range seqs {
		m := a.outstanding[seq]
		if m.sentOnWire {
			continue
		}
		ok := a.pushMessage(seq, m)
		sentAll = sentAll && ok
	}
	a.unsent = !sentAll
	a.reportOutstanding()
}

// sortedOutstandingKeys returns outstanding's keys in ascending sequence
// order, treating the space as a ring: entries are compared by their
// offset from nextSeq (k - nextSeq, modulo 2^32) so a wrap through 2^32-1 does
// not reorder older messages after newer ones (spec.md §4.7, B2).
func (a *ControllerAgent) sortedOutstandingKeys() []uint32 {
	keys := make([]uint32, 0, len(a.outstanding))
	for k := range a.outstanding {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && (keys[j]-a.nextSeq) < (keys[j-1]-a.nextSeq); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// pushMessage attempts to send one outstanding message on the live
// session's queue, returning whether it was accepted.
func (a *ControllerAgent) pushMessage(seq uint32, m *outstandingMessage) bool {
	if a.sess == nil || a.sess.QueueLimitReached() {
		m.sentOnWire = false
		return false
	}
	outcome := a.sess.Send(interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingRdmnet,
		Sequence:   seq,
		Endpoint:   m.endpoint,
		Payload:    m.payload,
	})
	m.sentOnWire = outcome == queue.Accepted
	return m.sentOnWire
}

// SendStatus allocates the next sequence number and buffers payload for
// delivery to endpoint, sending immediately if connected (spec.md §4.7
// "Send path"). Returns false (refusal) if the outstanding map is
// already at MaxQueueSize (B2's "map's cap").
func (a *ControllerAgent) SendStatus(endpoint uint16, payload []byte) bool {
	if len(a.outstanding) >= a.cfg.MaxQueueSize {
		log.Warn("outstanding message limit reached, refusing send")
		return false
	}

	seq := a.nextSeq
	a.nextSeq++
	if _, collision := a.outstanding[seq]; collision {
		log.Warn("sequence number collision", "sequence", seq)
		return false
	}

	m := &outstandingMessage{endpoint: endpoint, payload: payload}
	a.outstanding[seq] = m
	if a.sess != nil {
		a.pushMessage(seq, m)
	}
	a.reportOutstanding()
	return true
}

// handleFrame processes one decoded inbound frame: a status
// acknowledgement carries the acked sequence number in Frame.Sequence
// (spec.md §4.7 "Receive path").
func (a *ControllerAgent) handleFrame(f interfaces.Frame) {
	if f.E133Vector != protocolids.VectorFramingStatus || f.Endpoint == protocolids.HeartbeatEndpoint {
		return
	}
	a.ackStatus(f.Sequence)
}

// ackStatus removes the acknowledged entry and, if there are unsent
// messages and the queue now has room, pushes as many as fit.
func (a *ControllerAgent) ackStatus(seq uint32) {
	if _, ok := a.outstanding[seq]; !ok {
		return
	}
	delete(a.outstanding, seq)
	a.reportOutstanding()

	if !a.unsent || a.sess == nil || a.sess.QueueLimitReached() {
		return
	}
	seqs := a.sortedOutstandingKeys()
	sentAll := true
	for _, s := range seqs {
		m := a.outstanding[s]
		if m.sentOnWire {
			continue
		}
		if a.sess.QueueLimitReached() {
			sentAll = false
			break
		}
		if !a.pushMessage(s, m) {
			sentAll = false
		}
	}
	a.unsent = !sentAll
}
