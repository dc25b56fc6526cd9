package types

// DeviceRegistryEntry is one row of a controller's DeviceRegistry: the
// authoritative map from RDM UID to the device's UDP endpoint, which peer
// (if any) it was learned from, and whether this controller owns the
// device's TCP session.
type DeviceRegistryEntry struct {
	Uid        RdmUid
	DeviceUdp  PeerEndpoint
	LearnedVia PeerEndpoint // zero value (wildcard) when Local
	Local      bool
}
