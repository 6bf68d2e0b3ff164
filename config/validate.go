package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/firewall"
	"github.com/longg-net/longg/pkg/log"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/tun"
)

const maxIfaceName = 15

// Validate reports every invalid field, each wrapped in errdefs.ErrConfig.
func (c *Config) Validate() error {
	var errs []error
	if c.Role != "" {
		if _, err := ParseRole(c.Role); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Tun.Name == "" || len(c.Tun.Name) > maxIfaceName {
		errs = append(errs, fmt.Errorf("%w: TUN name %q must be 1-%d characters", errdefs.ErrConfig, c.Tun.Name, maxIfaceName))
	}
	if c.Tun.MTU < 68 || c.Tun.MTU > 1500 {
		errs = append(errs, fmt.Errorf("%w: MTU %d out of range", errdefs.ErrConfig, c.Tun.MTU))
	}
	base, errBase := c.InterfacePrefix(RoleBase)
	mobile, errMobile := c.InterfacePrefix(RoleMobile)
	errs = append(errs, errBase, errMobile)
	if errBase == nil && errMobile == nil {
		if !base.Masked().Contains(mobile.Addr()) {
			errs = append(errs, fmt.Errorf("%w: %s and %s are not on the same network", errdefs.ErrConfig, base, mobile))
		}
		if base.Addr() == mobile.Addr() {
			errs = append(errs, fmt.Errorf("%w: base and mobile share address %s", errdefs.ErrConfig, base.Addr()))
		}
	}

	if _, err := c.RadioConfig(RoleBase); err != nil {
		errs = append(errs, err)
	}
	if c.Radios.RX.CEPin == "" || c.Radios.TX.CEPin == "" {
		errs = append(errs, fmt.Errorf("%w: both radios need a CE pin", errdefs.ErrConfig))
	}
	if c.Radios.RX == c.Radios.TX {
		errs = append(errs, fmt.Errorf("%w: rx and tx radios share a port", errdefs.ErrConfig))
	}

	if _, err := c.RoutePrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.NATBackend {
	case "", firewall.BackendIPTables, firewall.BackendNFTables:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown NAT backend %q", errdefs.ErrConfig, c.NATBackend))
	}

	if _, err := log.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", errdefs.ErrConfig, err))
	}

	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("%w: queue size must be positive", errdefs.ErrConfig))
	}
	if c.Pipeline.QueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: queue timeout must be positive", errdefs.ErrConfig))
	}
	if c.Pipeline.PollInterval <= 0 || c.Pipeline.PollInterval > time.Millisecond {
		errs = append(errs, fmt.Errorf("%w: poll interval %s not in (0, 1ms]", errdefs.ErrConfig, c.Pipeline.PollInterval))
	}
	if c.Pipeline.ReassemblyTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: reassembly timeout must not be negative", errdefs.ErrConfig))
	}

	return errors.Join(errs...)
}

// InterfacePrefix returns the TUN address of role, e.g 125.100.1.1/24.
func (c *Config) InterfacePrefix(role Role) (netip.Prefix, error) {
	ip := c.Tun.BaseIP
	if role == RoleMobile {
		ip = c.Tun.MobileIP
	}
	return tun.InterfacePrefix(ip, c.Tun.Netmask)
}

// PeerAddr returns the tunnel address of the other node.
func (c *Config) PeerAddr(role Role) (netip.Addr, error) {
	p, err := c.InterfacePrefix(Role(1 - int(role)))
	if err != nil {
		return netip.Addr{}, err
	}
	return p.Addr(), nil
}

// RadioConfig returns the radio parameters with the addresses bound for role.
func (c *Config) RadioConfig(role Role) (radio.Config, error) {
	rate, err := radio.ParseDataRate(c.Radio.DataRate)
	if err != nil {
		return radio.Config{}, err
	}
	table, err := radio.ParseAddressTable(c.Radio.Addresses)
	if err != nil {
		return radio.Config{}, err
	}
	cfg := radio.Config{
		PALevel:         c.Radio.PALevel,
		RetransmitDelay: c.Radio.RetransmitDelay,
		RetransmitCount: c.Radio.RetransmitCount,
		DataRate:        rate,
		CRCLength:       c.Radio.CRCLength,
		Channel:         c.Radio.Channel,
	}
	cfg.TxAddress, cfg.RxAddress = table.Bind(int(role))
	return cfg, cfg.Validate()
}

// RoutePrefixes returns the Mobile's routes through the Base, including the
// control server. Bare addresses are taken as host routes.
func (c *Config) RoutePrefixes() ([]netip.Prefix, error) {
	entries := c.Routes
	if c.ControlServer != "" {
		entries = append(entries[:len(entries):len(entries)], c.ControlServer)
	}
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		var (
			p   netip.Prefix
			err error
		)
		if strings.Contains(e, "/") {
			p, err = netip.ParsePrefix(e)
		} else {
			var a netip.Addr
			if a, err = netip.ParseAddr(e); err == nil {
				p = netip.PrefixFrom(a, a.BitLen())
			}
		}
		if err != nil || !p.Addr().Is4() {
			return nil, fmt.Errorf("%w: invalid route %q", errdefs.ErrConfig, e)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
