// Package steps models the outcome of individual controller steps and the
// error taxonomy shared by every component.
package steps

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the controller's error taxonomy. Components wrap
// them with context; callers match with errors.Is.
var (
	// ErrResourceAbsent means a kernel feature or prior artifact does not
	// exist. It is always tolerated and never surfaced as a failure.
	ErrResourceAbsent = errors.New("resource absent")

	// ErrDetectionFailed means a required input could not be determined
	// from the running system. The current operation aborts before any
	// state is mutated.
	ErrDetectionFailed = errors.New("detection failed")

	// ErrValidationFailed means caller-supplied input failed its format
	// check. Nothing privileged has run when this is returned.
	ErrValidationFailed = errors.New("validation failed")

	// ErrExternalTool means a privileged command or kernel call failed for
	// a reason other than "already exists" / "already absent".
	ErrExternalTool = errors.New("external tool failed")
)

// Absent wraps ErrResourceAbsent with the name of the missing resource.
func Absent(resource string) error {
	return fmt.Errorf("%s: %w", resource, ErrResourceAbsent)
}

// Invalid wraps ErrValidationFailed with a description of the bad field.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

// Undetected wraps ErrDetectionFailed with a description of what was missing.
func Undetected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDetectionFailed, fmt.Sprintf(format, args...))
}

// Outcome is the classified result of a single step.
type Outcome int

const (
	// Applied means the step changed (or confirmed) system state.
	Applied Outcome = iota
	// Skipped means the step had nothing to act on (resource absent).
	Skipped
	// Warned means the step failed but its policy allows continuing.
	Warned
	// Failed means the step failed and its policy aborts the sequence.
	Failed
)

// String returns the lower-case name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Warned:
		return "warning"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps an error returned by a step onto an outcome under the given
// policy. A nil error is Applied, ErrResourceAbsent is Skipped, anything
// else is Failed under Abort and Warned under Continue.
func Classify(err error, policy Policy) Outcome {
	switch {
	case err == nil:
		return Applied
	case errors.Is(err, ErrResourceAbsent):
		return Skipped
	case policy == Continue:
		return Warned
	default:
		return Failed
	}
}
