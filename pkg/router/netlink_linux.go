//go:build linux

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var _ Router = (*NetlinkRouter)(nil)

// NetlinkRouter implements Router using Linux's netlink subsystem.
type NetlinkRouter struct {
	tunLink netlink.Link

	mu     sync.Mutex
	routes []*netlink.Route
}

// NewNetlinkRouter creates a router for the tunnel interface.
func NewNetlinkRouter(opts ...Option) (*NetlinkRouter, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	tunLink, err := netlink.LinkByName(options.tunIfaceName)
	if err != nil {
		return nil, fmt.Errorf("failed to get TUN interface: %w", err)
	}

	return &NetlinkRouter{tunLink: tunLink}, nil
}

// AddRoute is the netlink equivalent of "ip route add <dst> via <via> dev <tun>".
// A route that already exists is left alone and not removed on Close.
func (r *NetlinkRouter) AddRoute(dst netip.Prefix, via netip.Addr) error {
	slog.Debug("Adding route", slog.String("dst", dst.String()), slog.String("via", via.String()),
		slog.String("dev", r.tunLink.Attrs().Name))

	route := &netlink.Route{
		LinkIndex: r.tunLink.Attrs().Index,
		Dst: &net.IPNet{
			IP:   dst.Masked().Addr().AsSlice(),
			Mask: net.CIDRMask(dst.Bits(), dst.Addr().BitLen()),
		},
		Gw: via.AsSlice(),
	}
	if err := netlink.RouteAdd(route); err != nil {
		if errors.Is(err, unix.EEXIST) {
			slog.Warn("Route already exists", slog.String("dst", dst.String()))
			return nil
		}
		return fmt.Errorf("failed to add route to %s: %w", dst, err)
	}

	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
	return nil
}

// Routes returns the routes added by this router.
func (r *NetlinkRouter) Routes() []netip.Prefix {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefixes := make([]netip.Prefix, 0, len(r.routes))
	for _, route := range r.routes {
		ip, _ := netip.AddrFromSlice(route.Dst.IP)
		bits, _ := route.Dst.Mask.Size()
		prefixes = append(prefixes, netip.PrefixFrom(ip.Unmap(), bits))
	}
	return prefixes
}

// Close removes the installed routes in reverse order.
func (r *NetlinkRouter) Close() error {
	r.mu.Lock()
	routes := r.routes
	r.routes = nil
	r.mu.Unlock()

	var errs []error
	for _, route := range slices.Backward(routes) {
		slog.Debug("Removing route", slog.String("dst", route.Dst.String()))
		if err := netlink.RouteDel(route); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("failed to remove route to %s: %w", route.Dst, err))
		}
	}
	return errors.Join(errs...)
}
