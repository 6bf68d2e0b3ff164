package router

// Option represents a router configuration option.
type Option func(*routerOptions)

type routerOptions struct {
	tunIfaceName string
}

func defaultOptions() *routerOptions {
	return &routerOptions{
		tunIfaceName: "LongG",
	}
}

// WithTunnelInterface sets the tunnel interface name.
func WithTunnelInterface(name string) Option {
	return func(o *routerOptions) {
		o.tunIfaceName = name
	}
}
