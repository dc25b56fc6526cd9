// Package interfaces defines the collaborator contracts the core consumes
// but does not implement: the ACN/E1.33 wire codec and the raw socket
// factory used by the TCP connector. Both are delegated per spec.md §1's
// "Out of scope" list; concrete (if deliberately minimal) implementations
// live in internal/codec and internal/connector respectively, so the rest
// of the module is independently testable.
package interfaces

import (
	"net"

	"github.com/nomis52/ola/pkg/protocolids"
)

// Frame is one decoded application message: the ACN root vector, the
// nested E1.33 vector, the RDMnet sequence number, the target endpoint,
// and the raw payload bytes (spec.md §6).
type Frame struct {
	RootVector protocolids.RootVector
	E133Vector protocolids.E133Vector
	Sequence   uint32
	Endpoint   uint16
	Payload    []byte
}

// Codec encodes application messages into ACN root-layer frames and
// decodes a byte stream back into a sequence of Frames. Implementations
// are delegated collaborators (spec.md §1); this module only consumes the
// two methods below.
type Codec interface {
	// Encode renders one frame as wire bytes.
	Encode(f Frame) ([]byte, error)

	// Decode consumes as many complete frames as are present in buf and
	// returns them along with the number of bytes consumed. A partial
	// trailing frame is left in buf for the next call.
	Decode(buf []byte) (frames []Frame, consumed int, err error)
}

// SocketFactory abstracts the construction of the connected net.Conn
// handed to a PeerSession once a TcpConnector attempt succeeds. Tests
// substitute an in-memory implementation; production code wraps
// net.Dialer (connector.DefaultSocketFactory).
type SocketFactory interface {
	Dial(network, address string) (net.Conn, error)
}
