// Package lifecycle drives install, reinstall, uninstall, restart and
// status across the routing, classification, firewall and tunnel
// components.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/firewall"
	"github.com/plexsphere/splitwg/internal/netcheck"
	"github.com/plexsphere/splitwg/internal/packaging"
	"github.com/plexsphere/splitwg/internal/routing"
	"github.com/plexsphere/splitwg/internal/state"
	"github.com/plexsphere/splitwg/internal/svcconf"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

// Router is the policy routing state used by the lifecycle.
type Router interface {
	Teardown(ctx context.Context) error
	PurgeTable(ctx context.Context, table int) error
	Routes(ctx context.Context) ([]routing.Route, error)
	RulesPresent(ctx context.Context) (routing.RuleStatus, error)
}

// Classifier manages the classification group.
type Classifier interface {
	EnsureGroup(ctx context.Context) error
	Members(ctx context.Context) ([]int, error)
	Remove(ctx context.Context) error
}

// Firewall manages the packet filter table.
type Firewall interface {
	EnsureChains(ctx context.Context) error
	Teardown(ctx context.Context) error
	DeleteTable(ctx context.Context, family firewall.Family, name string) error
	Present(ctx context.Context) ([]string, error)
}

// Tunnel edits the tunnel config and drives its unit.
type Tunnel interface {
	Unit() string
	InstallConfig(ctx context.Context, path string, hooks tunnel.Hooks) error
	RemoveConfig(ctx context.Context, path string) error
	BringUp(ctx context.Context) error
	BringDown(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	IsActive(ctx context.Context) bool
}

// DeviceReader reads live WireGuard state.
type DeviceReader interface {
	Device(name string) (tunnel.DeviceStatus, error)
}

// Prober checks reachability of the advertised endpoint.
type Prober interface {
	Probe(ctx context.Context, host string, port uint16) (netcheck.Result, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Config     *config.Config
	Routing    Router
	Classifier Classifier
	Firewall   Firewall
	Tunnel     Tunnel
	Device     DeviceReader
	Units      *packaging.Installer
	Editor     *svcconf.Editor
	Store      *state.Store
	Prober     Prober
	// InstallBinary, when set, copies the controller binary into place
	// during install.
	InstallBinary func() error
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller runs the lifecycle operations. Operations are sequential and
// assume no other controller runs concurrently on the host.
type Controller struct {
	cfg        *config.Config
	policy     config.Policy
	routing    Router
	classifier Classifier
	firewall   Firewall
	tunnel     Tunnel
	device     DeviceReader
	units      *packaging.Installer
	editor     *svcconf.Editor
	store      *state.Store
	prober     Prober
	install    func() error
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	phase Phase
}

// New returns a Controller. Its phase starts as Installed when an install
// record exists and Absent otherwise.
func New(d Deps, logger *slog.Logger) *Controller {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		cfg:        d.Config,
		policy:     d.Config.Policy(),
		routing:    d.Routing,
		classifier: d.Classifier,
		firewall:   d.Firewall,
		tunnel:     d.Tunnel,
		device:     d.Device,
		units:      d.Units,
		editor:     d.Editor,
		store:      d.Store,
		prober:     d.Prober,
		install:    d.InstallBinary,
		now:        now,
		logger:     logger.With("component", "lifecycle"),
		phase:      PhaseAbsent,
	}
	if _, err := d.Store.Load(); err == nil {
		c.phase = PhaseInstalled
	}
	return c
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	prev := c.phase
	c.phase = p
	c.mu.Unlock()
	if prev != p {
		c.logger.Info("phase changed", "from", prev.String(), "to", p.String())
	}
}

// loadState returns the install record, or state.ErrNotInstalled.
func (c *Controller) loadState() (state.InstallState, bool, error) {
	st, err := c.store.Load()
	switch {
	case err == nil:
		return st, true, nil
	case errors.Is(err, state.ErrNotInstalled):
		return state.InstallState{}, false, nil
	default:
		return state.InstallState{}, false, err
	}
}
