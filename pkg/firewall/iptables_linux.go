//go:build linux

package firewall

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

var _ NAT = (*IPTablesNAT)(nil)

type ipTables interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

type rule struct {
	table string
	chain string
	spec  []string
}

func (r rule) String() string {
	return fmt.Sprintf("-t %s -A %s %s", r.table, r.chain, strings.Join(r.spec, " "))
}

// natRules are the masquerade and forward rules between uplink and tun.
func natRules(uplink, tun string) []rule {
	return []rule{
		{"nat", "POSTROUTING", []string{"-o", uplink, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-i", uplink, "-o", tun, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-i", tun, "-o", uplink, "-j", "ACCEPT"}},
	}
}

// IPTablesNAT implements NAT with iptables rules.
type IPTablesNAT struct {
	ipt ipTables

	mu        sync.Mutex
	installed []rule
}

// NewIPTablesNAT returns an iptables backed NAT.
func NewIPTablesNAT() (NAT, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &IPTablesNAT{ipt: ipt}, nil
}

// Enable appends each rule unless already present. Rules that were already
// there are left to their owner and not removed by Disable. It keeps going
// past a failing rule and reports every failure.
func (n *IPTablesNAT) Enable(uplink, tunIface string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for _, r := range natRules(uplink, tunIface) {
		exists, err := n.ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to check %q: %w", r, err))
			continue
		}
		if exists {
			slog.Info("iptables rule already present", slog.String("rule", r.String()))
			continue
		}
		slog.Info("Installing iptables rule", slog.String("rule", r.String()))
		if err := n.ipt.Append(r.table, r.chain, r.spec...); err != nil {
			errs = append(errs, fmt.Errorf("failed to install %q: %w", r, err))
			continue
		}
		n.installed = append(n.installed, r)
	}
	return errors.Join(errs...)
}

// Disable deletes the rules Enable appended, in reverse order.
func (n *IPTablesNAT) Disable() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for _, r := range slices.Backward(n.installed) {
		slog.Info("Removing iptables rule", slog.String("rule", r.String()))
		if err := n.ipt.DeleteIfExists(r.table, r.chain, r.spec...); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %q: %w", r, err))
		}
	}
	n.installed = nil
	return errors.Join(errs...)
}
