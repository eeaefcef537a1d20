package packaging

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/plexsphere/splitwg/internal/command"
	"github.com/plexsphere/splitwg/internal/steps"
)

// pollInterval is how often WaitActive checks the unit state.
const pollInterval = 500 * time.Millisecond

// systemctlAbsent lists systemctl messages meaning the unit does not exist.
var systemctlAbsent = []string{"not loaded", "does not exist", "not found", "no such file"}

// realSystemdController implements SystemdController by running systemctl
// through a command.Runner.
type realSystemdController struct {
	runner command.Runner
}

// NewSystemdController returns a SystemdController that calls systemctl.
func NewSystemdController(runner command.Runner) SystemdController {
	return &realSystemdController{runner: runner}
}

func (c *realSystemdController) IsAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func (c *realSystemdController) DaemonReload(ctx context.Context) error {
	return c.run(ctx, "daemon-reload")
}

func (c *realSystemdController) Enable(ctx context.Context, unit string) error {
	return c.run(ctx, "enable", unit)
}

func (c *realSystemdController) Disable(ctx context.Context, unit string) error {
	return c.run(ctx, "disable", unit)
}

func (c *realSystemdController) Start(ctx context.Context, unit string, noBlock bool) error {
	if noBlock {
		return c.run(ctx, "start", "--no-block", unit)
	}
	return c.run(ctx, "start", unit)
}

func (c *realSystemdController) Stop(ctx context.Context, unit string) error {
	return c.run(ctx, "stop", unit)
}

func (c *realSystemdController) Restart(ctx context.Context, unit string) error {
	return c.run(ctx, "restart", unit)
}

func (c *realSystemdController) IsActive(ctx context.Context, unit string) bool {
	_, err := c.runner.Run(ctx, "systemctl", "is-active", "--quiet", unit)
	return err == nil
}

func (c *realSystemdController) IsEnabled(ctx context.Context, unit string) bool {
	_, err := c.runner.Run(ctx, "systemctl", "is-enabled", "--quiet", unit)
	return err == nil
}

func (c *realSystemdController) WaitActive(ctx context.Context, unit string, timeout time.Duration) error {
	return waitActive(ctx, c, unit, timeout)
}

func (c *realSystemdController) run(ctx context.Context, args ...string) error {
	if _, err := c.runner.Run(ctx, "systemctl", args...); err != nil {
		if command.OutputContains(err, systemctlAbsent...) {
			return fmt.Errorf("packaging: systemctl %s: %w", args[0], steps.Absent(args[len(args)-1]))
		}
		return fmt.Errorf("packaging: systemctl %s: %w", args[0], err)
	}
	return nil
}

// waitActive polls ctrl.IsActive until it reports true, timeout elapses or
// ctx is done.
func waitActive(ctx context.Context, ctrl SystemdController, unit string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if ctrl.IsActive(ctx, unit) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("packaging: %s not active after %s: %w", unit, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// realRootChecker implements RootChecker using os.Getuid.
type realRootChecker struct{}

// NewRootChecker returns a RootChecker that checks the real process UID.
func NewRootChecker() RootChecker {
	return &realRootChecker{}
}

func (c *realRootChecker) IsRoot() bool {
	return os.Getuid() == 0
}
