//go:build linux

package routing

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Kernel implements Netlink using Linux rtnetlink.
type Kernel struct{}

// NewKernel returns a Netlink backed by the running kernel.
func NewKernel() *Kernel {
	return &Kernel{}
}

// RouteList returns the IPv4 unicast routes of table with device names
// resolved.
func (k *Kernel) RouteList(table int) ([]Route, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}
	names := make(map[int]string)
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Type != unix.RTN_UNICAST || len(r.MultiPath) > 0 {
			continue
		}
		name, ok := names[r.LinkIndex]
		if !ok && r.LinkIndex > 0 {
			if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
				name = link.Attrs().Name
			}
			names[r.LinkIndex] = name
		}
		out = append(out, Route{
			Dst:       r.Dst,
			Gw:        r.Gw,
			Src:       r.Src,
			LinkIndex: r.LinkIndex,
			Device:    name,
			Scope:     uint8(r.Scope),
			Table:     r.Table,
		})
	}
	return out, nil
}

// RouteAdd adds r. An existing route yields an error wrapping EEXIST.
func (k *Kernel) RouteAdd(r Route) error {
	return netlink.RouteAdd(toNetlinkRoute(r))
}

// RouteReplace adds or replaces r.
func (k *Kernel) RouteReplace(r Route) error {
	return netlink.RouteReplace(toNetlinkRoute(r))
}

// RouteDel deletes r.
func (k *Kernel) RouteDel(r Route) error {
	return netlink.RouteDel(toNetlinkRoute(r))
}

// RuleList returns all IPv4 rules.
func (k *Kernel) RuleList() ([]Rule, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{
			Priority:          r.Priority,
			Table:             r.Table,
			Mark:              r.Mark,
			Src:               r.Src,
			SuppressPrefixlen: r.SuppressPrefixlen,
		})
	}
	return out, nil
}

// RuleAdd adds r. An existing rule yields an error wrapping EEXIST.
func (k *Kernel) RuleAdd(r Rule) error {
	return netlink.RuleAdd(toNetlinkRule(r))
}

// RuleDel deletes r.
func (k *Kernel) RuleDel(r Rule) error {
	return netlink.RuleDel(toNetlinkRule(r))
}

// LinkIndex resolves an interface name to its index.
func (k *Kernel) LinkIndex(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("lookup interface %q: %w", name, err)
	}
	return link.Attrs().Index, nil
}

func toNetlinkRoute(r Route) *netlink.Route {
	return &netlink.Route{
		Dst:       r.Dst,
		Gw:        r.Gw,
		Src:       r.Src,
		LinkIndex: r.LinkIndex,
		Scope:     netlink.Scope(r.Scope),
		Table:     r.Table,
		Family:    netlink.FAMILY_V4,
	}
}

func toNetlinkRule(r Rule) *netlink.Rule {
	nr := netlink.NewRule()
	nr.Family = netlink.FAMILY_V4
	nr.Priority = r.Priority
	nr.Table = r.Table
	nr.Src = r.Src
	nr.SuppressPrefixlen = r.SuppressPrefixlen
	if r.Mark != 0 {
		mask := uint32(0xffffffff)
		nr.Mark = r.Mark
		nr.Mask = &mask
	}
	return nr
}
