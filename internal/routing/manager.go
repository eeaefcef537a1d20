package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/steps"
)

// ApplyOptions are the per-invocation inputs to Apply.
type ApplyOptions struct {
	// TunnelAddress is the tunnel's local address. When set, traffic
	// sourced from it is routed through the policy table.
	TunnelAddress net.IP
	// LocalGateway and LocalDevice override the main table's default route
	// when routing the bypass host.
	LocalGateway net.IP
	LocalDevice  string
	// BypassHost, when set, is routed via the local gateway.
	BypassHost net.IP
}

// RuleStatus reports which policy rules are installed.
type RuleStatus struct {
	FWMark   bool
	Source   bool
	Suppress bool
}

// Manager installs and removes the policy routing state for one table.
type Manager struct {
	nl     Netlink
	policy config.Policy
	logger *slog.Logger
}

// NewManager returns a Manager for the table and mark in policy.
func NewManager(nl Netlink, policy config.Policy, logger *slog.Logger) *Manager {
	return &Manager{
		nl:     nl,
		policy: policy,
		logger: logger.With("component", "routing"),
	}
}

// Apply installs the policy rules, the tunnel default route, the mirrored
// local routes and the optional bypass host route. Every addition tolerates
// an existing entry. All inputs are resolved before the first write; a
// failure to read the main table aborts with steps.ErrDetectionFailed.
func (m *Manager) Apply(ctx context.Context, opts ApplyOptions) error {
	main, err := m.nl.RouteList(MainTable)
	if err != nil {
		return fmt.Errorf("routing: apply: %w", steps.Undetected("list main table: %v", err))
	}
	tunIdx, err := m.nl.LinkIndex(m.policy.TunnelInterface)
	if err != nil {
		return fmt.Errorf("routing: apply: %w", steps.Undetected("tunnel interface %s: %v", m.policy.TunnelInterface, err))
	}
	var bypass *Route
	if opts.BypassHost != nil {
		r, err := m.bypassRoute(main, opts)
		if err != nil {
			return fmt.Errorf("routing: apply: %w", err)
		}
		bypass = &r
	}

	for _, r := range m.Rules(opts.TunnelAddress) {
		if err := m.addRule(r); err != nil {
			return err
		}
	}

	def := Route{
		Dst:       &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)},
		LinkIndex: tunIdx,
		Scope:     ScopeLink,
		Table:     m.policy.Table,
	}
	if err := m.addRoute(def); err != nil {
		return err
	}

	mirrored := MirrorRoutes(main, m.policy.Table, tunIdx)
	for _, r := range mirrored {
		if err := m.addRoute(r); err != nil {
			return err
		}
	}

	if bypass != nil {
		if err := m.addRoute(*bypass); err != nil {
			return err
		}
	}

	m.logger.Info("policy routing applied",
		"table", m.policy.Table,
		"fwmark", fmt.Sprintf("%#x", m.policy.FWMark),
		"mirrored_routes", len(mirrored),
		"bypass_host", opts.BypassHost,
	)
	return nil
}

// Rules returns the policy rules in installation order: fwmark, source (only
// when tunnelAddr is known) and main-table suppression.
func (m *Manager) Rules(tunnelAddr net.IP) []Rule {
	rules := []Rule{{
		Priority:          PriorityFWMark,
		Table:             m.policy.Table,
		Mark:              m.policy.FWMark,
		SuppressPrefixlen: -1,
	}}
	if tunnelAddr != nil && tunnelAddr.To4() != nil {
		rules = append(rules, Rule{
			Priority:          PrioritySource,
			Table:             m.policy.Table,
			Src:               hostNet(tunnelAddr),
			SuppressPrefixlen: -1,
		})
	}
	rules = append(rules, Rule{
		Priority:          PrioritySuppress,
		Table:             MainTable,
		SuppressPrefixlen: 0,
	})
	return rules
}

// MirrorRoutes copies every non-default IPv4 route of the main table into
// table, skipping routes through the tunnel link.
func MirrorRoutes(main []Route, table, tunnelIndex int) []Route {
	var out []Route
	for _, r := range main {
		if r.IsDefault() || r.Dst.IP.To4() == nil || r.LinkIndex == tunnelIndex {
			continue
		}
		c := r
		c.Table = table
		out = append(out, c)
	}
	return out
}

func (m *Manager) bypassRoute(main []Route, opts ApplyOptions) (Route, error) {
	host := opts.BypassHost.To4()
	if host == nil {
		return Route{}, steps.Invalid("bypass host %s is not an IPv4 address", opts.BypassHost)
	}

	gw, linkIdx := opts.LocalGateway, 0
	if opts.LocalDevice != "" {
		idx, err := m.nl.LinkIndex(opts.LocalDevice)
		if err != nil {
			return Route{}, steps.Undetected("local device %s: %v", opts.LocalDevice, err)
		}
		linkIdx = idx
	}
	if gw == nil || linkIdx == 0 {
		for _, r := range main {
			if !r.IsDefault() || r.Gw == nil {
				continue
			}
			if gw == nil {
				gw = r.Gw
			}
			if linkIdx == 0 {
				linkIdx = r.LinkIndex
			}
			break
		}
	}
	if gw == nil {
		return Route{}, steps.Undetected("no local gateway for bypass host %s", host)
	}
	return Route{
		Dst:       hostNet(host),
		Gw:        gw,
		LinkIndex: linkIdx,
		Table:     m.policy.Table,
	}, nil
}

func (m *Manager) addRule(r Rule) error {
	if err := m.nl.RuleAdd(r); err != nil {
		if isExist(err) {
			m.logger.Debug("rule already present", "rule", r.String())
			return nil
		}
		return fmt.Errorf("routing: add rule %q: %w", r.String(), err)
	}
	m.logger.Debug("rule added", "rule", r.String())
	return nil
}

func (m *Manager) addRoute(r Route) error {
	if err := m.nl.RouteAdd(r); err != nil {
		if isExist(err) {
			m.logger.Debug("route already present", "route", r.String(), "table", r.Table)
			return nil
		}
		return fmt.Errorf("routing: add route %q table %d: %w", r.String(), r.Table, err)
	}
	m.logger.Debug("route added", "route", r.String(), "table", r.Table)
	return nil
}

// ReplaceHostRoute installs or replaces a /32 route to host through the
// tunnel in the policy table.
func (m *Manager) ReplaceHostRoute(ctx context.Context, host net.IP) error {
	if host.To4() == nil {
		return steps.Invalid("host %s is not an IPv4 address", host)
	}
	idx, err := m.nl.LinkIndex(m.policy.TunnelInterface)
	if err != nil {
		return fmt.Errorf("routing: host route: %w", steps.Undetected("tunnel interface %s: %v", m.policy.TunnelInterface, err))
	}
	r := Route{Dst: hostNet(host), LinkIndex: idx, Scope: ScopeLink, Table: m.policy.Table}
	if err := m.nl.RouteReplace(r); err != nil {
		return fmt.Errorf("routing: replace route %q: %w", r.String(), err)
	}
	m.logger.Debug("host route replaced", "route", r.String(), "table", r.Table)
	return nil
}

// Teardown removes the source, fwmark and suppression rules in that order
// and flushes the policy table. Missing entries are not errors; other
// failures are collected and returned together after every removal was
// attempted. When nothing was installed the error wraps
// steps.ErrResourceAbsent.
func (m *Manager) Teardown(ctx context.Context) error {
	var errs []error
	removed := 0

	rules, err := m.nl.RuleList()
	if err != nil {
		errs = append(errs, fmt.Errorf("list rules: %w", err))
	}
	for _, prio := range []int{PrioritySource, PriorityFWMark, PrioritySuppress} {
		for _, r := range rules {
			if r.Priority != prio || !m.owns(r) {
				continue
			}
			if err := m.nl.RuleDel(r); err != nil {
				if !isNotFound(err) {
					errs = append(errs, fmt.Errorf("delete rule %q: %w", r.String(), err))
				}
				continue
			}
			removed++
			m.logger.Debug("rule removed", "rule", r.String())
		}
	}

	n, err := m.flush(m.policy.Table)
	removed += n
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("routing: teardown: %w", errors.Join(errs...))
	}
	if removed == 0 {
		return steps.Absent(fmt.Sprintf("route table %d", m.policy.Table))
	}
	m.logger.Info("policy routing removed", "table", m.policy.Table, "entries", removed)
	return nil
}

// PurgeTable removes every rule pointing at table and flushes it. It is
// used for tables left behind by earlier releases.
func (m *Manager) PurgeTable(ctx context.Context, table int) error {
	if table == MainTable || table <= 0 {
		return steps.Invalid("refusing to purge table %d", table)
	}
	var errs []error
	removed := 0

	rules, err := m.nl.RuleList()
	if err != nil {
		errs = append(errs, fmt.Errorf("list rules: %w", err))
	}
	for _, r := range rules {
		if r.Table != table {
			continue
		}
		if err := m.nl.RuleDel(r); err != nil {
			if !isNotFound(err) {
				errs = append(errs, fmt.Errorf("delete rule %q: %w", r.String(), err))
			}
			continue
		}
		removed++
	}
	n, err := m.flush(table)
	removed += n
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("routing: purge table %d: %w", table, errors.Join(errs...))
	}
	if removed == 0 {
		return steps.Absent(fmt.Sprintf("route table %d", table))
	}
	m.logger.Info("route table purged", "table", table, "entries", removed)
	return nil
}

// Routes returns the routes currently in the policy table.
func (m *Manager) Routes(ctx context.Context) ([]Route, error) {
	routes, err := m.nl.RouteList(m.policy.Table)
	if err != nil {
		return nil, fmt.Errorf("routing: list table %d: %w", m.policy.Table, err)
	}
	return routes, nil
}

// RulesPresent reports which of the policy rules are installed.
func (m *Manager) RulesPresent(ctx context.Context) (RuleStatus, error) {
	rules, err := m.nl.RuleList()
	if err != nil {
		return RuleStatus{}, fmt.Errorf("routing: list rules: %w", err)
	}
	var st RuleStatus
	for _, r := range rules {
		if !m.owns(r) {
			continue
		}
		switch r.Priority {
		case PriorityFWMark:
			st.FWMark = r.Mark == m.policy.FWMark
		case PrioritySource:
			st.Source = true
		case PrioritySuppress:
			st.Suppress = true
		}
	}
	return st, nil
}

func (m *Manager) owns(r Rule) bool {
	switch r.Priority {
	case PriorityFWMark, PrioritySource:
		return r.Table == m.policy.Table
	case PrioritySuppress:
		return r.Table == MainTable && r.SuppressPrefixlen == 0
	default:
		return false
	}
}

func (m *Manager) flush(table int) (int, error) {
	routes, err := m.nl.RouteList(table)
	if err != nil {
		return 0, fmt.Errorf("list table %d: %w", table, err)
	}
	var errs []error
	removed := 0
	for _, r := range routes {
		if err := m.nl.RouteDel(r); err != nil {
			if !isNotFound(err) {
				errs = append(errs, fmt.Errorf("delete route %q: %w", r.String(), err))
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Debug("route table flushed", "table", table, "routes", removed)
	}
	return removed, errors.Join(errs...)
}
