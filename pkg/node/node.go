// Package node brings up one end of the link: the TUN device, both radios,
// the Base's NAT or the Mobile's routes, and the pipeline between them.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/longg-net/longg/config"
	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/link"
	"github.com/longg-net/longg/pkg/metrics"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/router"
	"github.com/longg-net/longg/pkg/tun"
)

type teardown struct {
	name string
	fn   func() error
}

// Run sets up the node for role and forwards traffic until ctx is cancelled
// or the link fails. Everything it set up is torn down in reverse order
// before it returns.
func Run(ctx context.Context, cfg *config.Config, role config.Role, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	ok, err := o.canRun()
	if err != nil {
		slog.Warn("Could not check capabilities", slog.Any("error", err))
	} else if !ok {
		return fmt.Errorf("%w: creating %s requires CAP_NET_ADMIN", errdefs.ErrIO, cfg.Tun.Name)
	}

	// Validate has checked these.
	prefix, _ := cfg.InterfacePrefix(role)
	rcfg, _ := cfg.RadioConfig(role)

	log := slog.With(slog.String("role", role.String()))

	var undo []teardown
	defer func() {
		for _, t := range slices.Backward(undo) {
			if terr := t.fn(); terr != nil {
				log.Warn("Teardown failed", slog.String("step", t.name), slog.Any("error", terr))
			}
		}
		log.Info("Node stopped")
	}()

	dev, err := o.newTun(cfg.Tun.Name,
		tun.WithAddress(prefix),
		tun.WithMTU(cfg.Tun.MTU),
		tun.WithOwner(cfg.Tun.Owner, cfg.Tun.Group),
	)
	if err != nil {
		return fmt.Errorf("failed to create TUN device: %w", err)
	}
	undo = append(undo, teardown{"tun", dev.Close})
	log.Info("TUN device up", slog.String("name", dev.Name()), slog.String("address", prefix.String()))

	rx, err := o.newRadio(ctx, cfg.Radios.RX, rcfg, true)
	if err != nil {
		return fmt.Errorf("failed to open receive radio: %w", err)
	}
	undo = append(undo, teardown{"rx radio", rx.Close})
	logDetails(log, "rx", rx)

	tx, err := o.newRadio(ctx, cfg.Radios.TX, rcfg, false)
	if err != nil {
		return fmt.Errorf("failed to open transmit radio: %w", err)
	}
	undo = append(undo, teardown{"tx radio", tx.Close})
	logDetails(log, "tx", tx)

	// Host configuration failures are reported but leave the link up.
	switch role {
	case config.RoleBase:
		undo = append(undo, setupBase(log, cfg, o, dev.Name())...)
	case config.RoleMobile:
		undo = append(undo, setupMobile(log, cfg, o, dev.Name())...)
	}

	reg := o.registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	p := link.NewPipeline(dev, rx, tx,
		link.WithMTU(cfg.Tun.MTU),
		link.WithQueueSize(cfg.Pipeline.QueueSize),
		link.WithQueueTimeout(cfg.Pipeline.QueueTimeout),
		link.WithPollInterval(cfg.Pipeline.PollInterval),
		link.WithReassemblyTimeout(cfg.Pipeline.ReassemblyTimeout),
		link.WithStats(link.NewStats(reg)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(ctx, cfg.MetricsAddr, reg); err != nil {
				log.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	if o.onStart != nil {
		o.onStart(p)
	}
	log.Info("Link running", slog.String("tun", dev.Name()),
		slog.String("tx", rcfg.TxAddress.String()), slog.String("rx", rcfg.RxAddress.String()))
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("link failed: %w", err)
	}
	return nil
}

func setupBase(log *slog.Logger, cfg *config.Config, o *options, tunIface string) []teardown {
	var undo []teardown
	if restore, err := o.forwarding(); err != nil {
		log.Error("Failed to enable IP forwarding", slog.Any("error", err))
	} else {
		undo = append(undo, teardown{"ip forwarding", restore})
	}

	nat, err := o.newNAT(cfg.NATBackend)
	if err != nil {
		log.Error("Failed to set up NAT", slog.String("backend", cfg.NATBackend), slog.Any("error", err))
		return undo
	}
	// Disable removes whatever part of the rule set went in.
	undo = append(undo, teardown{"nat", nat.Disable})
	if err := nat.Enable(cfg.Uplink, tunIface); err != nil {
		log.Error("Failed to enable NAT", slog.String("uplink", cfg.Uplink), slog.Any("error", err))
		return undo
	}
	log.Info("NAT enabled", slog.String("uplink", cfg.Uplink), slog.String("tun", tunIface))
	return undo
}

func setupMobile(log *slog.Logger, cfg *config.Config, o *options, tunIface string) []teardown {
	via, _ := cfg.PeerAddr(config.RoleMobile)
	routes, _ := cfg.RoutePrefixes()

	r, err := o.newRouter(router.WithTunnelInterface(tunIface))
	if err != nil {
		log.Error("Failed to create router", slog.Any("error", err))
		return nil
	}
	for _, dst := range routes {
		if err := r.AddRoute(dst, via); err != nil {
			log.Error("Failed to add route", slog.String("dst", dst.String()), slog.String("via", via.String()), slog.Any("error", err))
			continue
		}
		log.Info("Route added", slog.String("dst", dst.String()), slog.String("via", via.String()))
	}
	return []teardown{{"routes", r.Close}}
}

type detailer interface {
	Details() (string, error)
}

func logDetails(log *slog.Logger, name string, r radio.Radio) {
	d, ok := r.(detailer)
	if !ok || !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	details, err := d.Details()
	if err != nil {
		log.Debug("Failed to read radio registers", slog.String("radio", name), slog.Any("error", err))
		return
	}
	log.Debug("Radio details", slog.String("radio", name), slog.String("registers", details))
}
