package mesh

import (
	"net"
	"time"

	"github.com/nomis52/ola/internal/connector"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/internal/session"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
	"github.com/nomis52/ola/pkg/types"
)

// PeerProvider returns the current set of known peer controller
// addresses; re-run on every periodic refresh (spec.md §4.8 step 1).
type PeerProvider func() []types.PeerEndpoint

// Config tunes ControllerMesh.
type Config struct {
	RefreshInterval    time.Duration
	BackoffStep        time.Duration
	BackoffMax         time.Duration
	ConnectTimeout     time.Duration
	QueueMaxBufferSize int
	HeartbeatInterval  time.Duration
	ReceiveTimeout     time.Duration

	// OurListenPort is compared against (loopback, port) candidates to
	// filter out self-connections (spec.md §4.8).
	OurListenPort uint16
}

// knownPeer is one entry in the connector-managed dial set.
type knownPeer struct {
	endpoint types.PeerEndpoint
	seen     bool
	sess     *session.PeerSession
}

// ControllerMesh maintains one PeerSession per peer controller, both
// dialed-out and accepted-inbound, tolerating duplicate sessions between
// the same pair (spec.md §4.8). All exported methods must be called on
// the owning ReactorBridge's dispatcher thread.
type ControllerMesh struct {
	bridge    interfaces.ReactorBridge
	connector *connector.Connector
	codec     interfaces.Codec
	refresh   PeerProvider
	cfg       Config
	metrics   *metrics.Metrics

	Registry *Registry

	known map[string]*knownPeer

	// live holds every currently connected session (dialed-out and
	// inbound), keyed by the session pointer, so gossip fan-out and
	// FETCH_DEVICES lookups don't need to distinguish direction.
	live map[*session.PeerSession]types.PeerEndpoint

	refreshTimer interfaces.TimerHandle

	// OnPeerConnected/OnPeerDisconnected run on the reactor thread.
	OnPeerConnected    func(peer types.PeerEndpoint)
	OnPeerDisconnected func(peer types.PeerEndpoint)
}

// New returns a ControllerMesh dialing through factory.
func New(bridge interfaces.ReactorBridge, factory interfaces.SocketFactory, codec interfaces.Codec, refresh PeerProvider, cfg Config) *ControllerMesh {
	m := &ControllerMesh{
		bridge:  bridge,
		codec:   codec,
		refresh: refresh,
		cfg:     cfg,
		known:   make(map[string]*knownPeer),
		live:    make(map[*session.PeerSession]types.PeerEndpoint),
	}
	m.Registry = NewRegistry(codec, m.LiveSessions)
	m.connector = connector.New(bridge, factory, cfg.ConnectTimeout, cfg.ConnectTimeout)
	m.connector.OnConnected = m.onConnected
	m.connector.OnFailed = m.onFailed
	return m
}

// Start runs the first refresh immediately, then schedules it every
// RefreshInterval (spec.md §4.8: "Periodic task (every 2s)").
func (m *ControllerMesh) Start() {
	m.checkForNewControllers()
	m.refreshTimer = m.bridge.ScheduleRepeating(m.cfg.RefreshInterval, m.checkForNewControllers)
}

// Stop cancels the refresh timer, every pending connect attempt, and
// closes every live session.
func (m *ControllerMesh) Stop() {
	if m.refreshTimer != nil {
		m.refreshTimer.Cancel()
		m.refreshTimer = nil
	}
	for key, k := range m.known {
		_ = m.connector.Remove(k.endpoint)
		delete(m.known, key)
	}
	for sess := range m.live {
		sess.Close()
	}
}

// LiveSessions returns a snapshot of every currently connected peer
// session, dialed-out or inbound.
func (m *ControllerMesh) LiveSessions() []*session.PeerSession {
	out := make([]*session.PeerSession, 0, len(m.live))
	for s := range m.live {
		out = append(out, s)
	}
	return out
}

// SetMetrics attaches m so peer count and connect attempts are exported.
// A nil m (the default) makes every metrics call a no-op.
func (m *ControllerMesh) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

func (m *ControllerMesh) reportPeerCount() {
	m.metrics.SetMeshPeerCount(len(m.live))
}

// isSelf reports whether ep is this process's own listener, per spec.md
// §4.8's self-connection filter: (loopback, our_listen_port).
func (m *ControllerMesh) isSelf(ep types.PeerEndpoint) bool {
	return ep.Host.IsLoopback() && ep.Port == m.cfg.OurListenPort
}

// checkForNewControllers is CheckForNewControllers (spec.md §4.8 steps
// 1-4, grounded on ControllerMesh.cpp): refresh the candidate list, mark
// all known entries unseen, add unknown non-self peers with a linear
// backoff, then remove and disconnect anything still unseen.
func (m *ControllerMesh) checkForNewControllers() {
	candidates := m.refresh()

	for _, k := range m.known {
		k.seen = false
	}

	for _, ep := range candidates {
		if m.isSelf(ep) {
			continue
		}
		key := ep.String()
		if k, ok := m.known[key]; ok {
			k.seen = true
			continue
		}
		k := &knownPeer{endpoint: ep, seen: true}
		m.known[key] = k
		log.Info("adding peer controller", "endpoint", ep.String())
		m.connector.Add(ep, connector.LinearBackoff{Step: m.cfg.BackoffStep, Max: m.cfg.BackoffMax})
	}

	for key, k := range m.known {
		if k.seen {
			continue
		}
		log.Info("removing peer controller", "endpoint", k.endpoint.String())
		delete(m.known, key)
		_ = m.connector.Remove(k.endpoint)
		if k.sess != nil {
			k.sess.Close()
		}
	}
}

// onConnected installs a PeerSession over a successful outbound dial.
func (m *ControllerMesh) onConnected(ep types.PeerEndpoint, conn net.Conn) {
	k, ok := m.known[ep.String()]
	if !ok {
		// Removed from the known set between dial start and completion;
		// the connection is no longer wanted.
		_ = conn.Close()
		return
	}
	sess, err := m.installSession(conn, ep)
	if err != nil {
		m.metrics.IncConnectAttempt("failure")
		log.Warn("failed to set up outbound peer session", "endpoint", ep.String(), "error", err)
		return
	}
	m.metrics.IncConnectAttempt("success")
	k.sess = sess
}

// onFailed logs a failed outbound dial; the connector's own backoff
// policy handles retrying.
func (m *ControllerMesh) onFailed(ep types.PeerEndpoint, err error) {
	m.metrics.IncConnectAttempt("failure")
	log.Info("failed to connect to peer controller", "endpoint", ep.String(), "error", err)
}

// AdoptInboundSession wraps an accepted connection as a peer session,
// tolerating a duplicate flow to a peer we also dialed out to (spec.md
// §4.8: "both sides attempt to connect").
func (m *ControllerMesh) AdoptInboundSession(conn net.Conn, peer types.PeerEndpoint) (*session.PeerSession, error) {
	return m.installSession(conn, peer)
}

func (m *ControllerMesh) installSession(conn net.Conn, peer types.PeerEndpoint) (*session.PeerSession, error) {
	sess, err := session.New(m.bridge, conn, m.codec, peer, m.cfg.QueueMaxBufferSize, m.cfg.HeartbeatInterval, m.cfg.ReceiveTimeout)
	if err != nil {
		return nil, err
	}
	sess.SetMetrics(m.metrics)
	m.live[sess] = peer
	sess.OnFrame = func(f interfaces.Frame) { m.handleFrame(sess, peer, f) }
	sess.OnClose = func(types.PeerEndpoint) { m.onSessionClosed(sess, peer) }
	m.reportPeerCount()
	log.Info("peer controller session established", "endpoint", peer.String())
	if m.OnPeerConnected != nil {
		m.OnPeerConnected(peer)
	}
	return sess, nil
}

func (m *ControllerMesh) onSessionClosed(sess *session.PeerSession, peer types.PeerEndpoint) {
	delete(m.live, sess)
	if k, ok := m.known[peer.String()]; ok && k.sess == sess {
		k.sess = nil
	}
	m.Registry.ForgetPeer(peer)
	m.Registry.ForgetOwner(sess)
	m.reportPeerCount()
	log.Info("peer controller session closed", "endpoint", peer.String())
	if m.OnPeerDisconnected != nil {
		m.OnPeerDisconnected(peer)
	}
}

// handleFrame dispatches one VECTOR_FRAMING_CONTROLLER frame from peer by
// its sub-vector (spec.md §4.8).
func (m *ControllerMesh) handleFrame(sess *session.PeerSession, peer types.PeerEndpoint, f interfaces.Frame) {
	if f.E133Vector != protocolids.VectorFramingController {
		return
	}
	sub, body, err := protocolids.DecodeControllerPayload(f.Payload)
	if err != nil {
		log.Warn("dropping malformed controller frame", "peer", peer.String(), "error", err)
		return
	}

	switch sub {
	case protocolids.ControllerSubVectorDeviceReg:
		tuple, err := protocolids.DecodeDeviceTuple(body)
		if err != nil {
			log.Warn("dropping malformed device-registration body", "peer", peer.String(), "error", err)
			return
		}
		m.Registry.UpsertLocal(tuple.Uid, tuple.Endpoint, sess)
	case protocolids.ControllerSubVectorFetchDevices:
		m.replyDeviceList(sess)
	case protocolids.ControllerSubVectorDeviceAcquired:
		tuple, err := protocolids.DecodeDeviceTuple(body)
		if err != nil {
			log.Warn("dropping malformed device-acquired body", "peer", peer.String(), "error", err)
			return
		}
		m.Registry.UpsertRemote(tuple.Uid, tuple.Endpoint, peer)
	case protocolids.ControllerSubVectorDeviceReleased:
		uid, err := protocolids.DecodeDeviceReleased(body)
		if err != nil {
			log.Warn("dropping malformed device-released body", "peer", peer.String(), "error", err)
			return
		}
		m.Registry.ReleaseRemote(uid, peer)
	case protocolids.ControllerSubVectorDeviceList:
		tuples, err := protocolids.DecodeDeviceList(body)
		if err != nil {
			log.Warn("dropping malformed device-list body", "peer", peer.String(), "error", err)
			return
		}
		for _, t := range tuples {
			m.Registry.UpsertRemote(t.Uid, t.Endpoint, peer)
		}
	default:
		log.Warn("dropping controller frame with unknown sub-vector", "peer", peer.String(), "sub", sub)
	}
}

// RequestDeviceList sends FETCH_DEVICES to peer over its live session, if
// any, returning whether a session was found to send on.
func (m *ControllerMesh) RequestDeviceList(peer types.PeerEndpoint) bool {
	k, ok := m.known[peer.String()]
	if !ok || k.sess == nil {
		return false
	}
	k.sess.Send(interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingController,
		Endpoint:   protocolids.HeartbeatEndpoint,
		Payload:    protocolids.EncodeControllerPayload(protocolids.ControllerSubVectorFetchDevices, nil),
	})
	return true
}

// replyDeviceList answers a FETCH_DEVICES request with every local
// DeviceRegistry entry (spec.md §4.8).
func (m *ControllerMesh) replyDeviceList(sess *session.PeerSession) {
	body, err := protocolids.EncodeDeviceList(deviceTuples(m.Registry.SnapshotLocal()))
	if err != nil {
		log.Warn("failed to encode device-list reply", "error", err)
		return
	}
	sess.Send(interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingController,
		Endpoint:   protocolids.HeartbeatEndpoint,
		Payload:    protocolids.EncodeControllerPayload(protocolids.ControllerSubVectorDeviceList, body),
	})
}

func deviceTuples(entries []types.DeviceRegistryEntry) []protocolids.DeviceTuple {
	tuples := make([]protocolids.DeviceTuple, len(entries))
	for i, e := range entries {
		tuples[i] = protocolids.DeviceTuple{Endpoint: e.DeviceUdp, Uid: e.Uid}
	}
	return tuples
}
