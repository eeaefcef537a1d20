package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/fsutil"
	"github.com/plexsphere/splitwg/internal/packaging"
	"github.com/plexsphere/splitwg/internal/steps"
)

// DeviceStatus is the live state of the tunnel's first peer.
type DeviceStatus struct {
	Endpoint      string
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// Adapter edits the tunnel config and drives the wg-quick unit.
type Adapter struct {
	policy  config.Policy
	systemd packaging.SystemdController
	logger  *slog.Logger
}

// NewAdapter returns an Adapter for the tunnel named in policy.
func NewAdapter(policy config.Policy, systemd packaging.SystemdController, logger *slog.Logger) *Adapter {
	return &Adapter{
		policy:  policy,
		systemd: systemd,
		logger:  logger.With("component", "tunnel"),
	}
}

// Unit returns the wg-quick unit of the tunnel.
func (a *Adapter) Unit() string {
	return a.policy.TunnelUnit()
}

// InstallConfig strips any previous controller hooks from the config at
// path and injects hooks at the end of its [Interface] section. The file
// keeps its mode and owner. An unchanged file is not rewritten.
func (a *Adapter) InstallConfig(ctx context.Context, path string, hooks Hooks) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("tunnel: install config: %w", steps.Undetected("tunnel config %s not found", path))
		}
		return fmt.Errorf("tunnel: install config: %w", err)
	}
	out, err := InjectHooks(StripHooks(data), RenderBlock(hooks))
	if err != nil {
		return fmt.Errorf("tunnel: install config %s: %w", path, err)
	}
	if bytes.Equal(out, data) {
		a.logger.Debug("tunnel hooks unchanged", "path", path)
		return nil
	}
	if err := fsutil.ReplaceFile(path, out); err != nil {
		return fmt.Errorf("tunnel: install config: %w", err)
	}
	a.logger.Info("tunnel hooks installed", "path", path, "up", len(hooks.Up), "down", len(hooks.Down))
	return nil
}

// RemoveConfig strips the controller hooks from the config at path. The
// rest of the file is the user's and stays. A missing file or a file
// without hooks is reported as steps.ErrResourceAbsent.
func (a *Adapter) RemoveConfig(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return steps.Absent("tunnel config " + path)
		}
		return fmt.Errorf("tunnel: remove config: %w", err)
	}
	out := StripHooks(data)
	if bytes.Equal(out, data) {
		return steps.Absent("tunnel hooks in " + path)
	}
	if err := fsutil.ReplaceFile(path, out); err != nil {
		return fmt.Errorf("tunnel: remove config: %w", err)
	}
	a.logger.Info("tunnel hooks removed", "path", path)
	return nil
}

// ReadPeerConfig parses the config at path.
func (a *Adapter) ReadPeerConfig(path string) (PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PeerConfig{}, steps.Undetected("tunnel config %s not found", path)
		}
		return PeerConfig{}, fmt.Errorf("tunnel: read config: %w", err)
	}
	pc, err := ParsePeerConfig(data)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("tunnel: parse %s: %w", path, err)
	}
	return pc, nil
}

// BringUp starts the tunnel unit and waits for the up hooks to finish.
func (a *Adapter) BringUp(ctx context.Context) error {
	if err := a.systemd.Start(ctx, a.Unit(), false); err != nil {
		return fmt.Errorf("tunnel: bring up %s: %w", a.Unit(), err)
	}
	a.logger.Info("tunnel up", "unit", a.Unit())
	return nil
}

// BringDown stops the tunnel unit, running the down hooks.
func (a *Adapter) BringDown(ctx context.Context) error {
	if err := a.systemd.Stop(ctx, a.Unit()); err != nil {
		return fmt.Errorf("tunnel: bring down %s: %w", a.Unit(), err)
	}
	a.logger.Info("tunnel down", "unit", a.Unit())
	return nil
}

// Enable makes the tunnel start on boot.
func (a *Adapter) Enable(ctx context.Context) error {
	if err := a.systemd.Enable(ctx, a.Unit()); err != nil {
		return fmt.Errorf("tunnel: enable %s: %w", a.Unit(), err)
	}
	return nil
}

// Disable stops the tunnel from starting on boot.
func (a *Adapter) Disable(ctx context.Context) error {
	if err := a.systemd.Disable(ctx, a.Unit()); err != nil {
		return fmt.Errorf("tunnel: disable %s: %w", a.Unit(), err)
	}
	return nil
}

// IsActive reports whether the tunnel unit is running.
func (a *Adapter) IsActive(ctx context.Context) bool {
	return a.systemd.IsActive(ctx, a.Unit())
}
