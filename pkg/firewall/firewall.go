// Package firewall enables forwarding and masquerading so a peer behind the
// tunnel reaches the network on the uplink.
package firewall

import (
	"fmt"

	"github.com/longg-net/longg/pkg/errdefs"
)

// NAT masquerades tunnel traffic leaving through the uplink and admits the
// replies.
type NAT interface {
	// Enable installs the rules between the uplink and tunnel interfaces.
	Enable(uplink, tunIface string) error
	// Disable removes whatever Enable installed.
	Disable() error
}

// Backends.
const (
	BackendIPTables = "iptables"
	BackendNFTables = "nftables"
)

// New returns the NAT implementation for backend.
func New(backend string) (NAT, error) {
	switch backend {
	case "", BackendIPTables:
		return NewIPTablesNAT()
	case BackendNFTables:
		return NewNFTablesNAT()
	}
	return nil, fmt.Errorf("%w: unknown NAT backend %q", errdefs.ErrConfig, backend)
}
