// Package router installs host routes that steer traffic into the tunnel.
package router

import (
	"io"
	"net/netip"
)

// Router manages routes through the tunnel interface. Routes it added are
// removed on Close.
type Router interface {
	io.Closer

	// AddRoute routes dst via the gateway at the far end of the tunnel.
	AddRoute(dst netip.Prefix, via netip.Addr) error

	// Routes returns the routes currently installed by the router.
	Routes() []netip.Prefix
}
