//go:build linux

package firewall

import (
	"math/rand"
	"net"
	"testing"

	"github.com/google/nftables"
	"golang.org/x/sys/unix"

	"github.com/plexsphere/splitwg/internal/config"
)

func chainByName(t *testing.T, specs []ChainSpec, name string) ChainSpec {
	t.Helper()
	for _, s := range specs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("chain %s not in ruleset", name)
	return ChainSpec{}
}

func ip4(s string) [4]byte {
	var out [4]byte
	copy(out[:], net.ParseIP(s).To4())
	return out
}

func isPrivate(addr [4]byte) bool {
	for _, c := range PrivateRanges {
		_, n, _ := net.ParseCIDR(c)
		if n.Contains(net.IP(addr[:])) {
			return true
		}
	}
	return false
}

func TestRuleset_ChainOrderAndHooks(t *testing.T) {
	specs := Ruleset(config.Default().Policy())

	want := []struct {
		name     string
		typ      nftables.ChainType
		hook     *nftables.ChainHook
		priority *nftables.ChainPriority
	}{
		{ChainRestoreMark, nftables.ChainTypeFilter, nftables.ChainHookPrerouting, nftables.ChainPriorityMangle},
		{ChainSetMark, nftables.ChainTypeRoute, nftables.ChainHookOutput, nftables.ChainPriorityMangle},
		{ChainKillSwitch, nftables.ChainTypeNAT, nftables.ChainHookPostrouting, nftables.ChainPriorityNATSource},
		{ChainTunnelIngress, nftables.ChainTypeFilter, nftables.ChainHookInput, nftables.ChainPriorityFilter},
	}
	if len(specs) != len(want) {
		t.Fatalf("Ruleset() returned %d chains, want %d", len(specs), len(want))
	}
	for i, w := range want {
		s := specs[i]
		if s.Name != w.name || s.Type != w.typ || *s.Hook != *w.hook || *s.Priority != *w.priority {
			t.Errorf("chain %d = %s/%s/%d/%d, want %s/%s/%d/%d",
				i, s.Name, s.Type, *s.Hook, *s.Priority, w.name, w.typ, *w.hook, *w.priority)
		}
	}
}

func TestRuleset_UniqueKeys(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range Ruleset(config.Default().Policy()) {
		for _, r := range s.Rules {
			if seen[r.Key] {
				t.Errorf("duplicate rule key %q", r.Key)
			}
			seen[r.Key] = true
			if key, ok := ruleKey(r.UserData()); !ok || key != r.Key {
				t.Errorf("ruleKey(UserData(%q)) = %q, %v", r.Key, key, ok)
			}
		}
	}
}

func TestKillSwitchChains_Subset(t *testing.T) {
	specs := KillSwitchChains(config.Default().Policy())
	if len(specs) != 2 || specs[0].Name != ChainSetMark || specs[1].Name != ChainKillSwitch {
		t.Fatalf("KillSwitchChains() = %v", specs)
	}
}

func TestSetMark_OnlyClassifiedTrafficMarked(t *testing.T) {
	p := config.Default().Policy()
	chain := chainByName(t, Ruleset(p), ChainSetMark)

	for _, classID := range []uint32{0, 0x00100001, 0x00110010, p.ClassTag, 0x00110012} {
		pkt := &packet{classID: classID, oif: "eth0", daddr: ip4("1.1.1.1")}
		if _, err := evalChain(chain, pkt); err != nil {
			t.Fatal(err)
		}
		wantMark := uint32(0)
		if classID == p.ClassTag {
			wantMark = p.FWMark
		}
		if pkt.mark != wantMark || pkt.ctMark != wantMark {
			t.Errorf("classid %#x: mark=%#x ctmark=%#x, want %#x", classID, pkt.mark, pkt.ctMark, wantMark)
		}
	}
}

func TestRestoreMark(t *testing.T) {
	chain := chainByName(t, Ruleset(config.Default().Policy()), ChainRestoreMark)

	pkt := &packet{ctMark: 0x11, iif: "wg0"}
	if _, err := evalChain(chain, pkt); err != nil {
		t.Fatal(err)
	}
	if pkt.mark != 0x11 {
		t.Errorf("mark = %#x, want restored 0x11", pkt.mark)
	}
}

func TestKillSwitch_Soundness(t *testing.T) {
	p := config.Default().Policy()
	chain := chainByName(t, Ruleset(p), ChainKillSwitch)
	rng := rand.New(rand.NewSource(211))
	devices := []string{"eth0", "wlan0", "enp3s0", "wg1", "docker0", "tun0", "wg00"}

	checked := 0
	for checked < 2000 {
		var addr [4]byte
		rng.Read(addr[:])
		if isPrivate(addr) {
			continue
		}
		pkt := &packet{mark: p.FWMark, oif: devices[rng.Intn(len(devices))], daddr: addr}
		v, err := evalChain(chain, pkt)
		if err != nil {
			t.Fatal(err)
		}
		if v != verdictDrop {
			t.Fatalf("marked packet to %v via %s: verdict %q, want drop", net.IP(addr[:]), pkt.oif, v)
		}
		checked++
	}
}

func TestKillSwitch_AllowedPaths(t *testing.T) {
	p := config.Default().Policy()
	chain := chainByName(t, Ruleset(p), ChainKillSwitch)

	tests := []struct {
		name string
		pkt  packet
		want verdict
	}{
		{"marked via tunnel is masqueraded", packet{mark: p.FWMark, oif: "wg0", daddr: ip4("1.1.1.1")}, verdictMasq},
		{"marked to LAN 192.168", packet{mark: p.FWMark, oif: "eth0", daddr: ip4("192.168.1.50")}, verdictAccept},
		{"marked to 10/8", packet{mark: p.FWMark, oif: "eth0", daddr: ip4("10.200.3.4")}, verdictAccept},
		{"marked to 172.16/12", packet{mark: p.FWMark, oif: "eth0", daddr: ip4("172.31.255.1")}, verdictAccept},
		{"marked just outside 172.16/12", packet{mark: p.FWMark, oif: "eth0", daddr: ip4("172.32.0.1")}, verdictDrop},
		{"marked on loopback", packet{mark: p.FWMark, oif: "lo", daddr: ip4("8.8.8.8")}, verdictAccept},
		{"unmarked to internet", packet{oif: "eth0", daddr: ip4("8.8.8.8")}, verdictAccept},
		{"other mark to internet", packet{mark: 0x12, oif: "eth0", daddr: ip4("8.8.8.8")}, verdictAccept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := tt.pkt
			v, err := evalChain(chain, &pkt)
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.want {
				t.Errorf("verdict = %q, want %q", v, tt.want)
			}
		})
	}
}

func TestKillSwitch_ClassifiedEndToEnd(t *testing.T) {
	// Output path: set-mark then postrouting kill-switch, with the tunnel
	// down so routing picked eth0.
	p := config.Default().Policy()
	specs := Ruleset(p)
	setMark := chainByName(t, specs, ChainSetMark)
	kill := chainByName(t, specs, ChainKillSwitch)

	for _, classID := range []uint32{p.ClassTag, 0} {
		pkt := &packet{classID: classID, oif: "eth0", daddr: ip4("203.0.113.7")}
		if _, err := evalChain(setMark, pkt); err != nil {
			t.Fatal(err)
		}
		v, err := evalChain(kill, pkt)
		if err != nil {
			t.Fatal(err)
		}
		if classID == p.ClassTag && v != verdictDrop {
			t.Errorf("classified packet leaked: verdict %q", v)
		}
		if classID == 0 && v != verdictAccept {
			t.Errorf("unclassified packet: verdict %q, want accept", v)
		}
	}
}

func TestTunnelIngress(t *testing.T) {
	p := config.Default().Policy()
	chain := chainByName(t, Ruleset(p), ChainTunnelIngress)

	tests := []struct {
		name string
		pkt  packet
		want verdict
	}{
		{"tcp service port", packet{iif: "wg0", proto: unix.IPPROTO_TCP, dport: 9735}, verdictAccept},
		{"udp service port", packet{iif: "wg0", proto: unix.IPPROTO_UDP, dport: 9735}, verdictAccept},
		{"tcp other port", packet{iif: "wg0", proto: unix.IPPROTO_TCP, dport: 22}, verdictDrop},
		{"established reply", packet{iif: "wg0", proto: unix.IPPROTO_TCP, dport: 50123, ctState: 2}, verdictAccept},
		{"related icmp", packet{iif: "wg0", proto: unix.IPPROTO_ICMP, ctState: 4}, verdictAccept},
		{"new icmp", packet{iif: "wg0", proto: unix.IPPROTO_ICMP, ctState: 8}, verdictDrop},
		{"other interface untouched", packet{iif: "eth0", proto: unix.IPPROTO_TCP, dport: 22}, verdictAccept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := tt.pkt
			v, err := evalChain(chain, &pkt)
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.want {
				t.Errorf("verdict = %q, want %q", v, tt.want)
			}
		})
	}
}

func TestRuleset_FollowsPolicy(t *testing.T) {
	p := config.Default().Policy()
	p.FWMark = 0x42
	p.ClassTag = 0x00420042
	p.TunnelInterface = "wgvpn"
	specs := Ruleset(p)

	pkt := &packet{classID: 0x00420042, oif: "wgvpn", daddr: ip4("1.1.1.1")}
	if _, err := evalChain(chainByName(t, specs, ChainSetMark), pkt); err != nil {
		t.Fatal(err)
	}
	if pkt.mark != 0x42 {
		t.Fatalf("mark = %#x, want 0x42", pkt.mark)
	}
	v, err := evalChain(chainByName(t, specs, ChainKillSwitch), pkt)
	if err != nil {
		t.Fatal(err)
	}
	if v != verdictMasq {
		t.Errorf("verdict on custom tunnel = %q, want masquerade", v)
	}
}
