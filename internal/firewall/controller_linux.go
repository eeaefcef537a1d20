//go:build linux

package firewall

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/nftables"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/steps"
)

// Conn is the subset of *nftables.Conn used by Controller.
type Conn interface {
	ListTablesOfFamily(family nftables.TableFamily) ([]*nftables.Table, error)
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	DelTable(t *nftables.Table)
	Flush() error
}

// Controller installs and removes the splitwg nftables table.
type Controller struct {
	policy  config.Policy
	newConn func() (Conn, error)
	logger  *slog.Logger
}

// NewController returns a Controller talking to the kernel over netlink.
func NewController(policy config.Policy, logger *slog.Logger) *Controller {
	return &Controller{
		policy: policy,
		newConn: func() (Conn, error) {
			return nftables.New()
		},
		logger: logger.With("component", "firewall"),
	}
}

// EnsureChains creates the table and all four chains and adds every rule
// not already present.
func (c *Controller) EnsureChains(ctx context.Context) error {
	if err := c.ensure(Ruleset(c.policy)); err != nil {
		return fmt.Errorf("firewall: ensure chains: %w", err)
	}
	return nil
}

// EnsureKillSwitch creates only the marking and kill-switch chains. It does
// not depend on the tunnel interface existing.
func (c *Controller) EnsureKillSwitch(ctx context.Context) error {
	if err := c.ensure(KillSwitchChains(c.policy)); err != nil {
		return fmt.Errorf("firewall: ensure kill-switch: %w", err)
	}
	return nil
}

func (c *Controller) ensure(specs []ChainSpec) error {
	conn, err := c.newConn()
	if err != nil {
		return err
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: TableName})
	chains := make([]*nftables.Chain, len(specs))
	for i, s := range specs {
		chains[i] = conn.AddChain(&nftables.Chain{
			Name:     s.Name,
			Table:    table,
			Type:     s.Type,
			Hooknum:  s.Hook,
			Priority: s.Priority,
		})
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("create chains: %w", err)
	}

	added := 0
	for i, s := range specs {
		existing, err := conn.GetRules(table, chains[i])
		if err != nil {
			return fmt.Errorf("list rules of %s: %w", s.Name, err)
		}
		present := make(map[string]bool, len(existing))
		for _, r := range existing {
			if key, ok := ruleKey(r.UserData); ok {
				present[key] = true
			}
		}
		for _, r := range s.Rules {
			if present[r.Key] {
				c.logger.Debug("rule already present", "chain", s.Name, "rule", r.Key)
				continue
			}
			conn.AddRule(&nftables.Rule{
				Table:    table,
				Chain:    chains[i],
				Exprs:    r.Exprs,
				UserData: r.UserData(),
			})
			added++
		}
	}
	if added > 0 {
		if err := conn.Flush(); err != nil {
			return fmt.Errorf("add rules: %w", err)
		}
	}

	c.logger.Info("nftables chains ensured", "table", TableName, "chains", len(specs), "rules_added", added)
	return nil
}

// Teardown deletes the splitwg table with all its chains. A missing table
// is reported as steps.ErrResourceAbsent.
func (c *Controller) Teardown(ctx context.Context) error {
	if err := c.deleteTable(nftables.TableFamilyIPv4, TableName); err != nil {
		return fmt.Errorf("firewall: teardown: %w", err)
	}
	return nil
}

// DeleteTable deletes an arbitrary table, typically one left behind by an
// earlier release.
func (c *Controller) DeleteTable(ctx context.Context, family Family, name string) error {
	fam, err := tableFamily(family)
	if err != nil {
		return err
	}
	if err := c.deleteTable(fam, name); err != nil {
		return fmt.Errorf("firewall: delete table %s %s: %w", family, name, err)
	}
	return nil
}

func (c *Controller) deleteTable(family nftables.TableFamily, name string) error {
	conn, err := c.newConn()
	if err != nil {
		return err
	}
	tables, err := conn.ListTablesOfFamily(family)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name != name {
			continue
		}
		conn.DelTable(t)
		if err := conn.Flush(); err != nil {
			return err
		}
		c.logger.Info("nftables table deleted", "table", name)
		return nil
	}
	c.logger.Debug("nftables table not found, nothing to delete", "table", name)
	return steps.Absent("nftables table " + name)
}

// Present returns the owned chain names that currently exist, in creation
// order.
func (c *Controller) Present(ctx context.Context) ([]string, error) {
	conn, err := c.newConn()
	if err != nil {
		return nil, fmt.Errorf("firewall: present: %w", err)
	}
	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return nil, fmt.Errorf("firewall: present: list chains: %w", err)
	}
	found := make(map[string]bool)
	for _, ch := range chains {
		if ch.Table != nil && ch.Table.Name == TableName {
			found[ch.Name] = true
		}
	}
	var out []string
	for _, name := range ChainNames {
		if found[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func tableFamily(f Family) (nftables.TableFamily, error) {
	switch f {
	case FamilyIPv4:
		return nftables.TableFamilyIPv4, nil
	case FamilyINet:
		return nftables.TableFamilyINet, nil
	default:
		return 0, steps.Invalid("unsupported nftables family %q", f)
	}
}
