package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy states what a failed step does to the rest of its sequence.
type Policy int

const (
	// Abort stops the sequence at the first failure. Steps already applied
	// stay in place; recovery is re-running the same command.
	Abort Policy = iota
	// Continue logs the failure and proceeds with the next step.
	Continue
)

// String returns the lower-case name of the policy.
func (p Policy) String() string {
	if p == Continue {
		return "continue"
	}
	return "abort"
}

// Step is one named unit of work in a Sequence.
type Step struct {
	// Name identifies the step in logs and reports.
	Name string
	// Resource names the kernel or OS object the step acts on.
	Resource string
	// Policy decides whether a failure stops the sequence.
	Policy Policy
	// Run performs the step.
	Run func(ctx context.Context) error
}

// Result records the outcome of one executed step.
type Result struct {
	Name     string
	Resource string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Report is the aggregate result of a Sequence run.
type Report struct {
	// Operation is the name of the sequence (install, uninstall, ...).
	Operation string
	Results   []Result
	// Issues counts Warned and Failed steps.
	Issues int
	// Aborted is set when an Abort-policy step failed.
	Aborted bool
	// FailedStep names the step that aborted the sequence, if any.
	FailedStep string
}

// Err returns an error describing the aborting step, or nil when the
// sequence ran to completion.
func (r Report) Err() error {
	if !r.Aborted {
		return nil
	}
	for _, res := range r.Results {
		if res.Name == r.FailedStep {
			return fmt.Errorf("%s: step %q (%s): %w", r.Operation, res.Name, res.Resource, res.Err)
		}
	}
	return fmt.Errorf("%s: step %q failed", r.Operation, r.FailedStep)
}

// Merge appends the results of other to r and sums the issue counters.
func (r *Report) Merge(other Report) {
	r.Results = append(r.Results, other.Results...)
	r.Issues += other.Issues
	if other.Aborted && !r.Aborted {
		r.Aborted = true
		r.FailedStep = other.FailedStep
	}
}

// Sequence runs steps strictly in order.
type Sequence struct {
	name   string
	steps  []Step
	logger *slog.Logger
}

// NewSequence creates an empty Sequence.
func NewSequence(name string, logger *slog.Logger) *Sequence {
	return &Sequence{
		name:   name,
		logger: logger,
	}
}

// Add appends a step.
func (s *Sequence) Add(step Step) *Sequence {
	s.steps = append(s.steps, step)
	return s
}

// Len returns the number of steps.
func (s *Sequence) Len() int {
	return len(s.steps)
}

// Run executes every step in order and returns the aggregate report.
func (s *Sequence) Run(ctx context.Context) Report {
	report := Report{Operation: s.name}
	for _, st := range s.steps {
		start := time.Now()
		err := st.Run(ctx)
		res := Result{
			Name:     st.Name,
			Resource: st.Resource,
			Outcome:  Classify(err, st.Policy),
			Err:      err,
			Duration: time.Since(start),
		}
		report.Results = append(report.Results, res)

		switch res.Outcome {
		case Applied:
			s.logger.Info("step applied", "operation", s.name, "step", st.Name, "resource", st.Resource)
		case Skipped:
			s.logger.Debug("step skipped, resource absent", "operation", s.name, "step", st.Name, "resource", st.Resource)
		case Warned:
			report.Issues++
			s.logger.Warn("step failed, continuing", "operation", s.name, "step", st.Name, "resource", st.Resource, "error", err)
		case Failed:
			report.Issues++
			report.Aborted = true
			report.FailedStep = st.Name
			s.logger.Error("step failed, aborting", "operation", s.name, "step", st.Name, "resource", st.Resource, "error", err)
			return report
		}
	}
	return report
}
