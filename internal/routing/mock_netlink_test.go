package routing

import (
	"fmt"
	"net"
	"sort"
	"syscall"
)

// fakeNetlink is an in-memory routing stack with kernel-like EEXIST and
// ESRCH semantics.
type fakeNetlink struct {
	links  map[string]int
	routes map[int][]Route
	rules  []Rule

	listErr  error
	addCalls int
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{
		links:  map[string]int{"lo": 1, "eth0": 2, "wg0": 3},
		routes: make(map[int][]Route),
	}
}

func (f *fakeNetlink) linkName(idx int) string {
	for name, i := range f.links {
		if i == idx {
			return name
		}
	}
	return ""
}

func routeKey(r Route) string {
	dst := "default"
	if !r.IsDefault() {
		dst = r.Dst.String()
	}
	return fmt.Sprintf("%s/%d", dst, r.Table)
}

func (f *fakeNetlink) RouteList(table int) ([]Route, error) {
	if f.listErr != nil && table == MainTable {
		return nil, f.listErr
	}
	out := make([]Route, 0, len(f.routes[table]))
	for _, r := range f.routes[table] {
		r.Device = f.linkName(r.LinkIndex)
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeNetlink) RouteAdd(r Route) error {
	f.addCalls++
	for _, existing := range f.routes[r.Table] {
		if routeKey(existing) == routeKey(r) {
			return fmt.Errorf("route add: %w", syscall.EEXIST)
		}
	}
	f.routes[r.Table] = append(f.routes[r.Table], r)
	return nil
}

func (f *fakeNetlink) RouteReplace(r Route) error {
	_ = f.RouteDel(r)
	return f.RouteAdd(r)
}

func (f *fakeNetlink) RouteDel(r Route) error {
	routes := f.routes[r.Table]
	for i, existing := range routes {
		if routeKey(existing) == routeKey(r) {
			f.routes[r.Table] = append(routes[:i:i], routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("route del: %w", syscall.ESRCH)
}

func ruleKey(r Rule) string {
	src := ""
	if r.Src != nil {
		src = r.Src.String()
	}
	return fmt.Sprintf("%d/%d/%#x/%s/%d", r.Priority, r.Table, r.Mark, src, r.SuppressPrefixlen)
}

func (f *fakeNetlink) RuleList() ([]Rule, error) {
	return append([]Rule(nil), f.rules...), nil
}

func (f *fakeNetlink) RuleAdd(r Rule) error {
	for _, existing := range f.rules {
		if ruleKey(existing) == ruleKey(r) {
			return fmt.Errorf("rule add: %w", syscall.EEXIST)
		}
	}
	f.rules = append(f.rules, r)
	sort.SliceStable(f.rules, func(i, j int) bool { return f.rules[i].Priority < f.rules[j].Priority })
	return nil
}

func (f *fakeNetlink) RuleDel(r Rule) error {
	for i, existing := range f.rules {
		if ruleKey(existing) == ruleKey(r) {
			f.rules = append(f.rules[:i:i], f.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule del: %w", syscall.ENOENT)
}

func (f *fakeNetlink) LinkIndex(name string) (int, error) {
	idx, ok := f.links[name]
	if !ok {
		return 0, fmt.Errorf("link %q not found", name)
	}
	return idx, nil
}

// lookupTable performs a longest-prefix match of dst in table.
func (f *fakeNetlink) lookupTable(table int, dst net.IP) (Route, int, bool) {
	best, bestLen, found := Route{}, -1, false
	for _, r := range f.routes[table] {
		ones := 0
		if !r.IsDefault() {
			if !r.Dst.Contains(dst) {
				continue
			}
			ones, _ = r.Dst.Mask.Size()
		}
		if ones > bestLen {
			best, bestLen, found = r, ones, true
		}
	}
	best.Device = f.linkName(best.LinkIndex)
	return best, bestLen, found
}

// resolve walks the rule list the way the kernel does for a packet with the
// given mark, source and destination. The final fallback is the main table.
func (f *fakeNetlink) resolve(mark uint32, src, dst net.IP) (Route, int, bool) {
	for _, rule := range f.rules {
		if rule.Mark != 0 && rule.Mark != mark {
			continue
		}
		if rule.Src != nil && (src == nil || !rule.Src.Contains(src)) {
			continue
		}
		r, plen, ok := f.lookupTable(rule.Table, dst)
		if !ok {
			continue
		}
		if rule.SuppressPrefixlen >= 0 && plen <= rule.SuppressPrefixlen {
			continue
		}
		return r, rule.Table, true
	}
	r, _, ok := f.lookupTable(MainTable, dst)
	return r, MainTable, ok
}
