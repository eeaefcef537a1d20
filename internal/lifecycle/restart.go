package lifecycle

import (
	"context"
	"fmt"

	"github.com/plexsphere/splitwg/internal/state"
	"github.com/plexsphere/splitwg/internal/steps"
)

// Restart cycles the tunnel. Its hooks stop the protected service before
// the routing state goes away and start it again once the tunnel is up.
func (c *Controller) Restart(ctx context.Context) (steps.Report, error) {
	report := steps.Report{Operation: OpRestart}
	st, installed, err := c.loadState()
	if err != nil {
		return report, fmt.Errorf("lifecycle: restart: %w", err)
	}
	if !installed {
		return report, state.ErrNotInstalled
	}

	seq := steps.NewSequence(OpRestart, c.logger)
	b := newStepBuilder(OpRestart, seq)
	b.add(stepStopTunnel, c.tunnel.Unit(), c.tunnel.BringDown)
	b.add(stepStartTunnel, c.tunnel.Unit(), c.tunnel.BringUp)
	b.add(stepWaitService, st.ServiceUnit, func(ctx context.Context) error {
		return c.units.Systemd().WaitActive(ctx, st.ServiceUnit, c.cfg.ServiceWait)
	})

	report = seq.Run(ctx)
	if err := report.Err(); err != nil {
		return report, fmt.Errorf("lifecycle: %w", err)
	}
	return report, nil
}
