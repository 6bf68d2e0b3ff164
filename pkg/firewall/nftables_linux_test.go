//go:build linux

package firewall

import (
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATTableRules(t *testing.T) {
	table := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: tableName}
	post := &nftables.Chain{Name: "postrouting", Table: table}
	fwd := &nftables.Chain{Name: "forward", Table: table}

	rules := natTableRules(table, post, fwd, "eth0", "LongG")
	require.Len(t, rules, 3)

	masq := rules[0]
	assert.Equal(t, post, masq.Chain)
	require.Len(t, masq.Exprs, 3)
	assert.Equal(t, ifname("eth0"), masq.Exprs[1].(*expr.Cmp).Data)
	assert.IsType(t, &expr.Masq{}, masq.Exprs[2])

	related := rules[1]
	assert.Equal(t, fwd, related.Chain)
	assert.Equal(t, ifname("eth0"), related.Exprs[1].(*expr.Cmp).Data)
	assert.Equal(t, ifname("LongG"), related.Exprs[3].(*expr.Cmp).Data)
	assert.IsType(t, &expr.Ct{}, related.Exprs[4])

	out := rules[2]
	assert.Equal(t, ifname("LongG"), out.Exprs[1].(*expr.Cmp).Data)
	assert.Equal(t, ifname("eth0"), out.Exprs[3].(*expr.Cmp).Data)
	assert.Equal(t, expr.VerdictAccept, out.Exprs[4].(*expr.Verdict).Kind)
}

func TestIfname(t *testing.T) {
	b := ifname("LongG")
	assert.Len(t, b, 16)
	assert.Equal(t, []byte("LongG\x00"), b[:6])
}

func TestNFTablesNATDisableWithoutEnable(t *testing.T) {
	n := NewNFTablesNATInNamespace(0)
	require.NoError(t, n.Disable())
}
