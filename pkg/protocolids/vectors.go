// Package protocolids is the single source of truth for every wire-visible
// vector used by the E1.33 control plane: ACN root-layer vectors, E1.33
// framing vectors, and the controller-to-controller sub-vectors carried
// under VectorFramingController. Every component that needs one of these
// constants imports it from here rather than redefining a literal.
package protocolids

// RootVector identifies the PDU carried directly beneath the ACN root
// layer (spec.md §6).
type RootVector uint32

// E133Vector identifies the E1.33 PDU nested inside a root-layer PDU of
// VectorRoot value.
type E133Vector uint32

// ControllerSubVector identifies the payload shape of a PDU carried under
// VectorFramingController (spec.md §4.8, §6).
type ControllerSubVector uint32

const (
	// VectorRoot is the ACN root-layer vector used for every frame this
	// module sends; the codec collaborator is responsible for the deeper
	// ACN PDU nesting this vector implies.
	VectorRoot RootVector = 0x00000008
)

const (
	// VectorFramingRdmnet carries RDM request/response PDUs between a
	// device and its controller.
	VectorFramingRdmnet E133Vector = 0x00000001

	// VectorFramingController carries controller-to-controller gossip,
	// distinguished further by ControllerSubVector.
	VectorFramingController E133Vector = 0x00000002

	// VectorFramingStatus carries a health-check heartbeat or an
	// application status acknowledgement.
	VectorFramingStatus E133Vector = 0x00000003
)

const (
	// ControllerSubVectorFetchDevices requests the peer's local device list.
	ControllerSubVectorFetchDevices ControllerSubVector = 1

	// ControllerSubVectorDeviceList replies with every locally-owned
	// device.
	ControllerSubVectorDeviceList ControllerSubVector = 2

	// ControllerSubVectorDeviceAcquired announces that the sender now
	// owns one device's TCP session.
	ControllerSubVectorDeviceAcquired ControllerSubVector = 3

	// ControllerSubVectorDeviceReleased announces that the sender no
	// longer owns a device.
	ControllerSubVectorDeviceReleased ControllerSubVector = 4

	// ControllerSubVectorDeviceReg is the device-side registration vector
	// a device sends directly to its controller over the RDMnet TCP
	// session (spec.md §9's Open Question: controllers honor this,
	// upserting the device as local).
	ControllerSubVectorDeviceReg ControllerSubVector = 5
)

// HeartbeatEndpoint is the reserved endpoint id heartbeat frames (and the
// management plane generally) are addressed to; 0 is always the
// management endpoint (GLOSSARY).
const HeartbeatEndpoint uint16 = 0
