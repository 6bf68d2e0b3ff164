package tun

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/longg-net/longg/pkg/errdefs"
)

// PrefixLen converts a dotted-quad IPv4 netmask to its prefix length.
// Only contiguous masks are accepted.
func PrefixLen(mask string) (int, error) {
	addr, err := netip.ParseAddr(mask)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("%w: invalid netmask %q", errdefs.ErrConfig, mask)
	}
	b := addr.As4()
	v := binary.BigEndian.Uint32(b[:])
	ones := bits.LeadingZeros32(^v)
	if v != ^uint32(0)<<(32-ones) {
		return 0, fmt.Errorf("%w: non-contiguous netmask %q", errdefs.ErrConfig, mask)
	}
	return ones, nil
}

// InterfacePrefix joins a host address and a dotted-quad netmask into the
// prefix assigned to the TUN interface, e.g 125.100.1.1/24.
func InterfacePrefix(ip, mask string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: invalid address %q", errdefs.ErrConfig, ip)
	}
	ones, err := PrefixLen(mask)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, ones), nil
}
