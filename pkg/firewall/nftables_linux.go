//go:build linux

package firewall

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"
)

var _ NAT = (*NFTablesNAT)(nil)

const tableName = "longg"

// NFTablesNAT implements NAT with a dedicated nftables table, so teardown
// is a single table delete.
type NFTablesNAT struct {
	ns netns.NsHandle

	mu      sync.Mutex
	enabled bool
}

// NewNFTablesNAT returns an nftables backed NAT in the current network namespace.
func NewNFTablesNAT() (NAT, error) {
	ns, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get network namespace: %w", err)
	}
	return NewNFTablesNATInNamespace(ns), nil
}

// NewNFTablesNATInNamespace returns an nftables backed NAT operating in ns.
func NewNFTablesNATInNamespace(ns netns.NsHandle) *NFTablesNAT {
	return &NFTablesNAT{ns: ns}
}

func (n *NFTablesNAT) Enable(uplink, tunIface string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	conn := &nftables.Conn{NetNS: int(n.ns)}
	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})
	post := conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	fwd := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})

	for _, r := range natTableRules(table, post, fwd, uplink, tunIface) {
		conn.AddRule(r)
	}

	slog.Info("Installing nftables NAT", slog.String("table", tableName),
		slog.String("uplink", uplink), slog.String("tun", tunIface))
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush nftables ruleset: %w", err)
	}
	n.enabled = true
	return nil
}

func (n *NFTablesNAT) Disable() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.enabled {
		return nil
	}
	conn := &nftables.Conn{NetNS: int(n.ns)}
	conn.DelTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete nftables table %s: %w", tableName, err)
	}
	n.enabled = false
	return nil
}

// natTableRules mirrors natRules: masquerade out of the uplink, admit
// replies back in, forward tunnel traffic out.
func natTableRules(table *nftables.Table, post, fwd *nftables.Chain, uplink, tun string) []*nftables.Rule {
	return []*nftables.Rule{
		{
			Table: table,
			Chain: post,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(uplink)},
				&expr.Masq{},
			},
		},
		{
			Table: table,
			Chain: fwd,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(uplink)},
				&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(tun)},
				&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
				&expr.Bitwise{
					SourceRegister: 1,
					DestRegister:   1,
					Len:            4,
					Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
					Xor:            binaryutil.NativeEndian.PutUint32(0),
				},
				&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
				&expr.Verdict{Kind: expr.VerdictAccept},
			},
		},
		{
			Table: table,
			Chain: fwd,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(tun)},
				&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(uplink)},
				&expr.Verdict{Kind: expr.VerdictAccept},
			},
		},
	}
}

func ifname(n string) []byte {
	b := make([]byte, 16)
	copy(b, []byte(n+"\x00"))
	return b
}
