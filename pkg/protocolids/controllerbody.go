package protocolids

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/nomis52/ola/pkg/types"
)

// controllerSubVectorSize is the width of the sub-vector field every
// VECTOR_FRAMING_CONTROLLER payload is prefixed with (spec.md §6): the
// codec's Frame carries only the outer root/E133 vectors, so the
// controller-to-controller sub-vector rides inside the payload, the same
// way nested ACN PDUs carry their own vector ahead of their body.
const controllerSubVectorSize = 4

// EncodeControllerPayload prefixes body with its sub-vector, producing
// the bytes carried as Frame.Payload for a VECTOR_FRAMING_CONTROLLER
// frame.
func EncodeControllerPayload(sub ControllerSubVector, body []byte) []byte {
	buf := make([]byte, controllerSubVectorSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(sub))
	copy(buf[4:], body)
	return buf
}

// DecodeControllerPayload splits a VECTOR_FRAMING_CONTROLLER payload back
// into its sub-vector and body.
func DecodeControllerPayload(payload []byte) (ControllerSubVector, []byte, error) {
	if len(payload) < controllerSubVectorSize {
		return 0, nil, fmt.Errorf("protocolids: controller payload too short: %d bytes", len(payload))
	}
	sub := ControllerSubVector(binary.BigEndian.Uint32(payload[0:4]))
	return sub, payload[controllerSubVectorSize:], nil
}

// deviceTupleSize is the wire size of one {ip, port, uid} tuple used by
// DEVICE_LIST/DEVICE_ACQUIRED/DEVICE_REG (spec.md §6): 4 (ip) + 2 (port)
// + 6 (uid).
const deviceTupleSize = 4 + 2 + 6

// DeviceTuple is one {ip, port, uid} entry as carried in DEVICE_LIST,
// DEVICE_ACQUIRED, and DEVICE_REG bodies.
type DeviceTuple struct {
	Endpoint types.PeerEndpoint
	Uid      types.RdmUid
}

// EncodeDeviceTuple renders one tuple as its 12-byte wire form.
func EncodeDeviceTuple(t DeviceTuple) ([]byte, error) {
	if !t.Endpoint.Host.Is4() {
		return nil, fmt.Errorf("protocolids: device tuple endpoint must be IPv4, got %s", t.Endpoint.Host)
	}
	buf := make([]byte, deviceTupleSize)
	ip4 := t.Endpoint.Host.As4()
	copy(buf[0:4], ip4[:])
	binary.BigEndian.PutUint16(buf[4:6], t.Endpoint.Port)
	uidBytes := t.Uid.Bytes()
	copy(buf[6:12], uidBytes[:])
	return buf, nil
}

// DecodeDeviceTuple parses one 12-byte tuple.
func DecodeDeviceTuple(buf []byte) (DeviceTuple, error) {
	if len(buf) < deviceTupleSize {
		return DeviceTuple{}, fmt.Errorf("protocolids: device tuple body too short: %d bytes", len(buf))
	}
	var ip4 [4]byte
	copy(ip4[:], buf[0:4])
	host := netip.AddrFrom4(ip4)
	port := binary.BigEndian.Uint16(buf[4:6])
	var uidBytes [6]byte
	copy(uidBytes[:], buf[6:12])
	return DeviceTuple{
		Endpoint: types.NewPeerEndpoint(host, port),
		Uid:      types.UidFromBytes(uidBytes),
	}, nil
}

// EncodeDeviceList renders DEVICE_LIST's body: a packed array of tuples.
func EncodeDeviceList(tuples []DeviceTuple) ([]byte, error) {
	buf := make([]byte, 0, len(tuples)*deviceTupleSize)
	for _, t := range tuples {
		enc, err := EncodeDeviceTuple(t)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

// DecodeDeviceList parses DEVICE_LIST's body.
func DecodeDeviceList(buf []byte) ([]DeviceTuple, error) {
	if len(buf)%deviceTupleSize != 0 {
		return nil, fmt.Errorf("protocolids: device list body length %d not a multiple of %d", len(buf), deviceTupleSize)
	}
	tuples := make([]DeviceTuple, 0, len(buf)/deviceTupleSize)
	for off := 0; off < len(buf); off += deviceTupleSize {
		t, err := DecodeDeviceTuple(buf[off : off+deviceTupleSize])
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}

// EncodeDeviceReleased renders DEVICE_RELEASED's body: a bare 6-byte uid.
func EncodeDeviceReleased(uid types.RdmUid) []byte {
	b := uid.Bytes()
	return b[:]
}

// DecodeDeviceReleased parses DEVICE_RELEASED's body.
func DecodeDeviceReleased(buf []byte) (types.RdmUid, error) {
	if len(buf) < 6 {
		return types.RdmUid{}, fmt.Errorf("protocolids: device released body too short: %d bytes", len(buf))
	}
	var b [6]byte
	copy(b[:], buf[:6])
	return types.UidFromBytes(b), nil
}
