package packaging

import (
	"context"
	"time"
)

// SystemdController abstracts systemd service management for testability.
// All methods that modify state must be idempotent: stopping or disabling a
// unit that is not loaded returns an error wrapping steps.ErrResourceAbsent.
type SystemdController interface {
	// IsAvailable returns true if systemd (systemctl) is available on the system.
	IsAvailable() bool

	// DaemonReload executes systemctl daemon-reload to reload unit file changes.
	DaemonReload(ctx context.Context) error

	// Enable enables the named unit to start on boot.
	Enable(ctx context.Context, unit string) error

	// Disable disables the named unit from starting on boot.
	Disable(ctx context.Context, unit string) error

	// Start starts the named unit. With noBlock the call returns once the
	// job is queued.
	Start(ctx context.Context, unit string, noBlock bool) error

	// Stop stops the named unit.
	Stop(ctx context.Context, unit string) error

	// Restart restarts the named unit.
	Restart(ctx context.Context, unit string) error

	// IsActive returns true if the named unit is currently running.
	IsActive(ctx context.Context, unit string) bool

	// IsEnabled returns true if the named unit starts on boot.
	IsEnabled(ctx context.Context, unit string) bool

	// WaitActive polls until the unit is active or timeout elapses.
	WaitActive(ctx context.Context, unit string, timeout time.Duration) error
}

// RootChecker abstracts privilege checking for testability.
type RootChecker interface {
	// IsRoot returns true if the current process has root privileges.
	IsRoot() bool
}
