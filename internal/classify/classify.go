// Package classify manages the net_cls classification group whose members'
// traffic is tagged for the tunnel.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/steps"
)

// Backend abstracts the cgroup filesystem for testability.
type Backend interface {
	// Ensure creates the group if needed and sets its class ID.
	Ensure(name string, classID uint32) error
	// Add moves pid into the group.
	Add(name string, pid int) error
	// Members returns the PIDs in the group.
	Members(name string) ([]int, error)
	// Delete removes the group. A missing group yields an error wrapping
	// steps.ErrResourceAbsent.
	Delete(name string) error
}

// Classifier places processes into the classification group.
type Classifier struct {
	backend Backend
	policy  config.Policy
	settle  time.Duration
	logger  *slog.Logger
}

// NewClassifier returns a Classifier for the group and class tag in policy.
// Attach waits settle before moving a process.
func NewClassifier(backend Backend, policy config.Policy, settle time.Duration, logger *slog.Logger) *Classifier {
	return &Classifier{
		backend: backend,
		policy:  policy,
		settle:  settle,
		logger:  logger.With("component", "classify"),
	}
}

// EnsureGroup creates the group and sets its class ID. It is idempotent.
func (c *Classifier) EnsureGroup(ctx context.Context) error {
	if err := c.backend.Ensure(c.policy.GroupName, c.policy.ClassTag); err != nil {
		return fmt.Errorf("classify: ensure group %s: %w", c.policy.GroupName, err)
	}
	c.logger.Info("classification group ready",
		"group", c.policy.GroupName,
		"classid", fmt.Sprintf("%#08x", c.policy.ClassTag),
	)
	return nil
}

// Attach waits for the settle delay and then moves pid into the group.
// The wait lets a freshly started service finish forking first.
func (c *Classifier) Attach(ctx context.Context, pid int) error {
	if pid <= 0 {
		return steps.Invalid("pid %d must be positive", pid)
	}
	if c.settle > 0 {
		timer := time.NewTimer(c.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("classify: attach %d: %w", pid, ctx.Err())
		case <-timer.C:
		}
	}
	if err := c.backend.Add(c.policy.GroupName, pid); err != nil {
		return fmt.Errorf("classify: attach %d: %w", pid, err)
	}
	c.logger.Info("process classified", "pid", pid, "group", c.policy.GroupName)
	return nil
}

// Members returns the PIDs currently in the group.
func (c *Classifier) Members(ctx context.Context) ([]int, error) {
	pids, err := c.backend.Members(c.policy.GroupName)
	if err != nil {
		return nil, fmt.Errorf("classify: members: %w", err)
	}
	return pids, nil
}

// Remove deletes the group. A missing group is reported as
// steps.ErrResourceAbsent.
func (c *Classifier) Remove(ctx context.Context) error {
	if err := c.backend.Delete(c.policy.GroupName); err != nil {
		return fmt.Errorf("classify: remove group %s: %w", c.policy.GroupName, err)
	}
	c.logger.Info("classification group removed", "group", c.policy.GroupName)
	return nil
}
