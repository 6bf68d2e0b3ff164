package node

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"periph.io/x/conn/v3/physic"

	"github.com/longg-net/longg/config"
	"github.com/longg-net/longg/pkg/firewall"
	"github.com/longg-net/longg/pkg/link"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/radio/nrf24"
	"github.com/longg-net/longg/pkg/router"
	"github.com/longg-net/longg/pkg/tun"
	"github.com/longg-net/longg/pkg/utils"
)

// TunFactory creates the TUN device.
type TunFactory func(name string, opts ...tun.Option) (tun.Device, error)

// RadioFactory opens the radio on port. The receive radio is opened with
// listen set.
type RadioFactory func(ctx context.Context, port config.PortConfig, cfg radio.Config, listen bool) (radio.Radio, error)

// RouterFactory creates the Mobile's router.
type RouterFactory func(opts ...router.Option) (router.Router, error)

// NATFactory returns the Base's NAT backend.
type NATFactory func(backend string) (firewall.NAT, error)

// Option configures Run.
type Option func(*options)

type options struct {
	newTun     TunFactory
	newRadio   RadioFactory
	newRouter  RouterFactory
	newNAT     NATFactory
	forwarding func() (func() error, error)
	canRun     func() (bool, error)
	registry   *prometheus.Registry
	onStart    func(*link.Pipeline)
}

func defaultOptions() *options {
	return &options{
		newTun:     tun.Create,
		newRadio:   openRadio,
		newRouter:  func(opts ...router.Option) (router.Router, error) { return router.NewNetlinkRouter(opts...) },
		newNAT:     firewall.New,
		forwarding: firewall.EnableIPForwarding,
		canRun:     utils.CanCreateTUNInterfaces,
	}
}

// WithTunFactory replaces tun.Create.
func WithTunFactory(f TunFactory) Option {
	return func(o *options) {
		o.newTun = f
	}
}

// WithRadioFactory replaces the nRF24L01+ driver.
func WithRadioFactory(f RadioFactory) Option {
	return func(o *options) {
		o.newRadio = f
	}
}

// WithRouterFactory replaces the netlink router.
func WithRouterFactory(f RouterFactory) Option {
	return func(o *options) {
		o.newRouter = f
	}
}

// WithNATFactory replaces firewall.New.
func WithNATFactory(f NATFactory) Option {
	return func(o *options) {
		o.newNAT = f
	}
}

// WithForwarding replaces firewall.EnableIPForwarding.
func WithForwarding(f func() (restore func() error, err error)) Option {
	return func(o *options) {
		o.forwarding = f
	}
}

// WithPermissionCheck replaces the NET_ADMIN preflight.
func WithPermissionCheck(f func() (bool, error)) Option {
	return func(o *options) {
		o.canRun = f
	}
}

// WithRegistry registers the link counters with reg instead of a fresh
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithOnStart calls fn with the pipeline just before it starts.
func WithOnStart(fn func(*link.Pipeline)) Option {
	return func(o *options) {
		o.onStart = fn
	}
}

func openRadio(ctx context.Context, port config.PortConfig, cfg radio.Config, listen bool) (radio.Radio, error) {
	var opts []nrf24.Option
	if listen {
		opts = append(opts, nrf24.WithListen())
	}
	dev, err := nrf24.Open(ctx, nrf24.Port{
		Bus:    port.SPIBus,
		Device: port.SPIDevice,
		CEPin:  port.CEPin,
		Speed:  physic.Frequency(port.SpeedHz) * physic.Hertz,
	}, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
