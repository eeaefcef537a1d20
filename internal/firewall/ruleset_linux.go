//go:build linux

package firewall

import (
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"

	"github.com/plexsphere/splitwg/internal/config"
)

// ChainSpec describes one base chain and its rules.
type ChainSpec struct {
	Name     string
	Type     nftables.ChainType
	Hook     *nftables.ChainHook
	Priority *nftables.ChainPriority
	Rules    []RuleSpec
}

// RuleSpec is a rule identified by a stable key stored in its comment.
type RuleSpec struct {
	Key   string
	Exprs []expr.Any
}

// UserData returns the rule comment carrying the key.
func (r RuleSpec) UserData() []byte {
	return userdata.AppendString(nil, userdata.TypeComment, commentPrefix+r.Key)
}

// ruleKey extracts the key from a rule comment written by UserData.
func ruleKey(ud []byte) (string, bool) {
	s, ok := userdata.GetString(ud, userdata.TypeComment)
	if !ok || len(s) <= len(commentPrefix) || s[:len(commentPrefix)] != commentPrefix {
		return "", false
	}
	return s[len(commentPrefix):], true
}

// Ruleset returns the four chains for p in creation order.
func Ruleset(p config.Policy) []ChainSpec {
	return []ChainSpec{
		restoreMarkChain(),
		setMarkChain(p),
		killSwitchChain(p),
		tunnelIngressChain(p),
	}
}

// KillSwitchChains returns only the chains that must exist before the
// network is configured: marking and leak prevention.
func KillSwitchChains(p config.Policy) []ChainSpec {
	return []ChainSpec{setMarkChain(p), killSwitchChain(p)}
}

// restoreMarkChain: meta mark set ct mark
func restoreMarkChain() ChainSpec {
	return ChainSpec{
		Name:     ChainRestoreMark,
		Type:     nftables.ChainTypeFilter,
		Hook:     nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityMangle,
		Rules: []RuleSpec{{
			Key: "restore-mark",
			Exprs: []expr.Any{
				&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
				&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
			},
		}},
	}
}

// setMarkChain: meta cgroup <tag> meta mark set <mark> ct mark set meta mark
func setMarkChain(p config.Policy) ChainSpec {
	return ChainSpec{
		Name:     ChainSetMark,
		Type:     nftables.ChainTypeRoute,
		Hook:     nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityMangle,
		Rules: []RuleSpec{{
			Key: "set-mark",
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyCGROUP, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(p.ClassTag)},
				&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(p.FWMark)},
				&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
				&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
				&expr.Ct{Key: expr.CtKeyMARK, SourceRegister: true, Register: 1},
			},
		}},
	}
}

// killSwitchChain drops marked packets leaving anywhere but the tunnel or
// loopback for non-private destinations, and masquerades marked packets
// leaving through the tunnel.
//
// The chain is nat-typed, so it sees only the first packet of a conntrack
// flow. A flow opened before the service joined the classification group
// is not dropped here if it later becomes marked and the tunnel goes away.
func killSwitchChain(p config.Policy) ChainSpec {
	mark := matchMark(p.FWMark)

	drop := append([]expr.Any{}, mark...)
	drop = append(drop,
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: ifaceNameBytes(p.TunnelInterface)},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: ifaceNameBytes("lo")},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
	)
	for _, cidr := range PrivateRanges {
		drop = append(drop, notInPrefix(cidr)...)
	}
	drop = append(drop, &expr.Counter{}, &expr.Verdict{Kind: expr.VerdictDrop})

	masq := append([]expr.Any{}, mark...)
	masq = append(masq,
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifaceNameBytes(p.TunnelInterface)},
		&expr.Counter{},
		&expr.Masq{},
	)

	return ChainSpec{
		Name:     ChainKillSwitch,
		Type:     nftables.ChainTypeNAT,
		Hook:     nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
		Rules: []RuleSpec{
			{Key: "killswitch-drop", Exprs: drop},
			{Key: "tunnel-masquerade", Exprs: masq},
		},
	}
}

// tunnelIngressChain admits replies and the service port on the tunnel
// and drops everything else arriving there.
func tunnelIngressChain(p config.Policy) ChainSpec {
	iif := func() []expr.Any {
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifaceNameBytes(p.TunnelInterface)},
		}
	}
	port := func(proto byte) []expr.Any {
		return append(iif(),
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(p.ServicePort)},
			&expr.Counter{},
			&expr.Verdict{Kind: expr.VerdictAccept},
		)
	}
	established := append(iif(),
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	)
	drop := append(iif(), &expr.Counter{}, &expr.Verdict{Kind: expr.VerdictDrop})

	return ChainSpec{
		Name:     ChainTunnelIngress,
		Type:     nftables.ChainTypeFilter,
		Hook:     nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Rules: []RuleSpec{
			{Key: "tunnel-established", Exprs: established},
			{Key: "tunnel-tcp-port", Exprs: port(unix.IPPROTO_TCP)},
			{Key: "tunnel-udp-port", Exprs: port(unix.IPPROTO_UDP)},
			{Key: "tunnel-drop", Exprs: drop},
		},
	}
}

func matchMark(mark uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
	}
}

// notInPrefix expects an IPv4 address in register 1 and matches when it is
// outside cidr. Register 1 is preserved so the checks can be chained.
func notInPrefix(cidr string) []expr.Any {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic("firewall: bad private range " + cidr)
	}
	return []expr.Any{
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   2,
			Len:            4,
			Mask:           []byte(n.Mask),
			Xor:            []byte{0x00, 0x00, 0x00, 0x00},
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: n.IP.To4()},
	}
}

// ifaceNameBytes returns the interface name as a null-terminated byte slice
// for nftables expression matching.
func ifaceNameBytes(name string) []byte {
	buf := make([]byte, 16)
	copy(buf, name)
	return buf[:len(name)+1]
}
