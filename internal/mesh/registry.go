// Package mesh implements ControllerMesh and DeviceRegistry (spec.md
// §4.8-4.9): the controller-side component that maintains one session per
// peer controller, gossips device ownership over those sessions, and the
// authoritative UID-to-device map those gossip messages keep in sync.
package mesh

import (
	"github.com/nomis52/ola/internal/session"
	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
	"github.com/nomis52/ola/pkg/types"
)

var log = logger.Named("mesh")

// PeerSessionLister returns every currently live peer session, used by
// Registry to gossip local device changes (spec.md §4.9).
type PeerSessionLister func() []*session.PeerSession

// registryEntry augments the wire-visible types.DeviceRegistryEntry with
// the owning session for local entries, so ForgetOwner can enforce
// invariant (b) — a local entry never outlives its owning session.
type registryEntry struct {
	data  types.DeviceRegistryEntry
	owner *session.PeerSession
}

// Registry is DeviceRegistry: the authoritative map from RDM UID to
// device UDP endpoint, which peer (if any) it was learned from, and
// whether this controller owns the device's session. All methods must be
// called on the reactor thread; there is no internal locking.
type Registry struct {
	codec   interfaces.Codec
	peers   PeerSessionLister
	entries map[types.RdmUid]*registryEntry
}

// NewRegistry returns an empty Registry. peers supplies the live peer
// sessions gossip is fanned out to.
func NewRegistry(codec interfaces.Codec, peers PeerSessionLister) *Registry {
	return &Registry{
		codec:   codec,
		peers:   peers,
		entries: make(map[types.RdmUid]*registryEntry),
	}
}

// UpsertLocal records uid as owned by this controller's owner session and
// gossips DEVICE_ACQUIRED to every live peer session (spec.md §4.9).
// Replaces any prior entry for uid (invariant (a)).
func (r *Registry) UpsertLocal(uid types.RdmUid, deviceUdp types.PeerEndpoint, owner *session.PeerSession) {
	r.entries[uid] = &registryEntry{
		data: types.DeviceRegistryEntry{
			Uid:       uid,
			DeviceUdp: deviceUdp,
			Local:     true,
		},
		owner: owner,
	}
	body, err := protocolids.EncodeDeviceTuple(protocolids.DeviceTuple{Endpoint: deviceUdp, Uid: uid})
	if err != nil {
		log.Warn("failed to encode device-acquired body", "uid", uid.String(), "error", err)
		return
	}
	r.gossip(protocolids.ControllerSubVectorDeviceAcquired, body)
}

// UpsertRemote records uid as learned via a gossip message from
// learnedVia, with no further gossip emission. Replaces any prior entry
// for uid.
func (r *Registry) UpsertRemote(uid types.RdmUid, deviceUdp, learnedVia types.PeerEndpoint) {
	r.entries[uid] = &registryEntry{
		data: types.DeviceRegistryEntry{
			Uid:        uid,
			DeviceUdp:  deviceUdp,
			LearnedVia: learnedVia,
			Local:      false,
		},
	}
}

// ReleaseLocal removes uid's entry, if any, and gossips DEVICE_RELEASED
// to every live peer session (spec.md §4.9). No-op if uid has no entry or
// its entry is not local.
func (r *Registry) ReleaseLocal(uid types.RdmUid) {
	e, ok := r.entries[uid]
	if !ok || !e.data.Local {
		return
	}
	delete(r.entries, uid)
	r.gossip(protocolids.ControllerSubVectorDeviceReleased, protocolids.EncodeDeviceReleased(uid))
}

// ReleaseRemote removes uid's entry iff it is a remote entry learned via
// sender (spec.md §4.8's DEVICE_RELEASED owner check). Logs and drops on
// owner mismatch or absence.
func (r *Registry) ReleaseRemote(uid types.RdmUid, sender types.PeerEndpoint) {
	e, ok := r.entries[uid]
	if !ok {
		return
	}
	if e.data.Local || !e.data.LearnedVia.Equal(sender) {
		log.Warn("dropping device-released from non-owning peer", "uid", uid.String(), "sender", sender.String())
		return
	}
	delete(r.entries, uid)
}

// ForgetPeer bulk-removes every remote entry whose LearnedVia equals
// peer, run when that peer's mesh session closes (spec.md §4.8).
func (r *Registry) ForgetPeer(peer types.PeerEndpoint) {
	for uid, e := range r.entries {
		if !e.data.Local && e.data.LearnedVia.Equal(peer) {
			delete(r.entries, uid)
		}
	}
}

// ForgetOwner bulk-removes every local entry owned by owner, run when the
// device's own session closes, enforcing invariant (b).
func (r *Registry) ForgetOwner(owner *session.PeerSession) {
	for uid, e := range r.entries {
		if e.data.Local && e.owner == owner {
			delete(r.entries, uid)
		}
	}
}

// SnapshotLocal returns every local entry, for a FETCH_DEVICES reply
// (spec.md §4.9).
func (r *Registry) SnapshotLocal() []types.DeviceRegistryEntry {
	out := make([]types.DeviceRegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.data.Local {
			out = append(out, e.data)
		}
	}
	return out
}

// Lookup returns uid's entry, if any.
func (r *Registry) Lookup(uid types.RdmUid) (types.DeviceRegistryEntry, bool) {
	e, ok := r.entries[uid]
	if !ok {
		return types.DeviceRegistryEntry{}, false
	}
	return e.data, true
}

// gossip fans body out to every currently live peer session.
func (r *Registry) gossip(sub protocolids.ControllerSubVector, body []byte) {
	for _, s := range r.peers() {
		s.Send(interfaces.Frame{
			RootVector: protocolids.VectorRoot,
			E133Vector: protocolids.VectorFramingController,
			Endpoint:   protocolids.HeartbeatEndpoint,
			Payload:    protocolids.EncodeControllerPayload(sub, body),
		})
	}
}
