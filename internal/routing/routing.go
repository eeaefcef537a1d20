// Package routing owns the policy routing table used for classified traffic:
// the rules selecting it, its default route into the tunnel and the local
// routes mirrored from the main table.
package routing

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Fixed rule priorities. Deletes match on them exactly.
const (
	PrioritySuppress = 5210
	PriorityFWMark   = 5211
	PrioritySource   = 5212
)

// MainTable is the kernel's main routing table ID.
const MainTable = 254

// Route scopes as defined by rtnetlink.
const (
	ScopeUniverse uint8 = 0
	ScopeLink     uint8 = 253
)

// Route is an IPv4 route in a single table.
type Route struct {
	// Dst is the destination prefix. A zero-length prefix is the default route.
	Dst       *net.IPNet
	Gw        net.IP
	Src       net.IP
	LinkIndex int
	// Device is the link name, filled in on read-back.
	Device string
	Scope  uint8
	Table  int
}

// IsDefault reports whether r is a default route.
func (r Route) IsDefault() bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

// String renders r like iproute2 does.
func (r Route) String() string {
	dst := "default"
	if !r.IsDefault() {
		dst = r.Dst.String()
	}
	s := dst
	if r.Gw != nil {
		s += " via " + r.Gw.String()
	}
	dev := r.Device
	if dev == "" {
		dev = fmt.Sprintf("if%d", r.LinkIndex)
	}
	s += " dev " + dev
	if r.Scope == ScopeLink {
		s += " scope link"
	}
	if r.Src != nil {
		s += " src " + r.Src.String()
	}
	return s
}

// Rule is an IPv4 policy routing rule.
type Rule struct {
	Priority int
	Table    int
	// Mark selects packets carrying this fwmark. Zero means unset.
	Mark uint32
	// Src selects packets sourced from this prefix. Nil means unset.
	Src *net.IPNet
	// SuppressPrefixlen ignores lookup results with a prefix length less
	// than or equal to this value. -1 means unset.
	SuppressPrefixlen int
}

// String renders r like iproute2 does.
func (r Rule) String() string {
	s := fmt.Sprintf("%d: from ", r.Priority)
	if r.Src != nil {
		s += r.Src.String()
	} else {
		s += "all"
	}
	if r.Mark != 0 {
		s += fmt.Sprintf(" fwmark %#x", r.Mark)
	}
	s += fmt.Sprintf(" lookup %d", r.Table)
	if r.SuppressPrefixlen >= 0 {
		s += fmt.Sprintf(" suppress_prefixlength %d", r.SuppressPrefixlen)
	}
	return s
}

// Netlink abstracts the kernel routing operations for testability.
// RouteAdd and RuleAdd return an error wrapping syscall.EEXIST when the
// object is already present; deletes return errors wrapping ENOENT or ESRCH
// when it is missing.
type Netlink interface {
	// RouteList returns the IPv4 unicast routes of table.
	RouteList(table int) ([]Route, error)
	RouteAdd(r Route) error
	RouteReplace(r Route) error
	RouteDel(r Route) error
	// RuleList returns all IPv4 rules.
	RuleList() ([]Rule, error)
	RuleAdd(r Rule) error
	RuleDel(r Rule) error
	// LinkIndex resolves an interface name.
	LinkIndex(name string) (int, error)
}

func isExist(err error) bool {
	return errors.Is(err, syscall.EEXIST)
}

func isNotFound(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ESRCH)
}

func hostNet(ip net.IP) *net.IPNet {
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}
}
