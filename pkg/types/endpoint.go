// Package types holds the shared data model for the E1.33 control plane:
// peer addresses, RDM UIDs, controller/distributor directory entries and
// TXT record encoding. These are plain value types with no I/O.
package types

import (
	"fmt"
	"net/netip"
)

// PeerEndpoint is an IPv4 socket address. The zero value (wildcard host,
// port 0) is the sentinel for "unresolved/absent" used throughout the
// discovery and mesh layers.
type PeerEndpoint struct {
	Host netip.Addr
	Port uint16
}

// NewPeerEndpoint builds a PeerEndpoint from an IPv4 address and port.
func NewPeerEndpoint(host netip.Addr, port uint16) PeerEndpoint {
	return PeerEndpoint{Host: host, Port: port}
}

// ParsePeerEndpoint parses a "host:port" string.
func ParsePeerEndpoint(s string) (PeerEndpoint, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return PeerEndpoint{}, fmt.Errorf("types: parse endpoint %q: %w", s, err)
	}
	return PeerEndpoint{Host: addrPort.Addr(), Port: addrPort.Port()}, nil
}

// IsWildcard reports whether this is the unresolved/absent sentinel.
func (e PeerEndpoint) IsWildcard() bool {
	return !e.Host.IsValid() || e.Host.IsUnspecified()
}

// Equal reports structural equality.
func (e PeerEndpoint) Equal(o PeerEndpoint) bool {
	return e.Host == o.Host && e.Port == o.Port
}

// Less imposes a total order, used only to make selection tie-breaks
// deterministic in tests; it is not a meaningful network ordering.
func (e PeerEndpoint) Less(o PeerEndpoint) bool {
	if e.Host != o.Host {
		return e.Host.Less(o.Host)
	}
	return e.Port < o.Port
}

// String renders "host:port".
func (e PeerEndpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
