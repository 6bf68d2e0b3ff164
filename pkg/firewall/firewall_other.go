//go:build !linux

package firewall

import "fmt"

// EnableIPForwarding enables IPv4 forwarding.
func EnableIPForwarding() (func() error, error) {
	return nil, fmt.Errorf("not implemented on this platform")
}

func NewIPTablesNAT() (NAT, error) {
	return nil, fmt.Errorf("not implemented on this platform")
}

func NewNFTablesNAT() (NAT, error) {
	return nil, fmt.Errorf("not implemented on this platform")
}
