// Package command runs external privileged tools and captures their failures
// as structured errors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/plexsphere/splitwg/internal/steps"
)

// maxOutput bounds the amount of combined output kept on a ToolError.
const maxOutput = 4096

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ToolError describes a command that exited unsuccessfully.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

// Error returns the formatted error string.
func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// Unwrap returns the underlying exec error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is reports ErrExternalTool for every ToolError so callers can classify it
// without knowing this package.
func (e *ToolError) Is(target error) bool {
	return target == steps.ErrExternalTool
}

// OutputContains reports whether err is a ToolError whose output contains
// any of the given substrings (case-insensitive).
func OutputContains(err error, substrs ...string) bool {
	var te *ToolError
	if !errors.As(err, &te) {
		return false
	}
	out := strings.ToLower(te.Output)
	for _, s := range substrs {
		if strings.Contains(out, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Exec implements Runner using os/exec.
type Exec struct {
	logger *slog.Logger
}

// NewExec returns a Runner that invokes real binaries.
func NewExec(logger *slog.Logger) *Exec {
	return &Exec{logger: logger.With("component", "command")}
}

// Run executes name with args and returns the combined output. A non-zero
// exit or a start failure is returned as a *ToolError.
func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.Bytes()
	if err == nil {
		e.logger.Debug("command ok", "tool", name, "args", args)
		return out, nil
	}

	te := &ToolError{
		Tool:     name,
		Args:     args,
		ExitCode: -1,
		Output:   truncate(strings.TrimSpace(string(out))),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	e.logger.Debug("command failed", "tool", name, "args", args, "exit_code", te.ExitCode, "output", te.Output)
	return out, te
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "...[truncated]"
}
