package packaging

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/plexsphere/splitwg/internal/command"
	"github.com/plexsphere/splitwg/internal/steps"
)

// fakeRunner records invocations and returns scripted errors keyed by the
// joined argument list.
type fakeRunner struct {
	calls  []string
	errs   map[string]error
	active int // is-active succeeds once this many calls have been made
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if args[0] == "is-active" {
		f.active--
		if f.active >= 0 {
			return nil, &command.ToolError{Tool: name, Args: args, ExitCode: 3}
		}
		return nil, nil
	}
	return nil, f.errs[call]
}

func TestNewSystemdController_ImplementsInterface(t *testing.T) {
	var _ SystemdController = NewSystemdController(&fakeRunner{})
}

func TestNewRootChecker_ImplementsInterface(t *testing.T) {
	var _ RootChecker = NewRootChecker()
}

func TestRealRootChecker_IsRoot(t *testing.T) {
	checker := NewRootChecker()
	if os.Getuid() != 0 && checker.IsRoot() {
		t.Error("IsRoot() = true, want false for non-root user")
	}
	if os.Getuid() == 0 && !checker.IsRoot() {
		t.Error("IsRoot() = false, want true for root user")
	}
}

func TestSystemdController_Commands(t *testing.T) {
	r := &fakeRunner{}
	ctrl := NewSystemdController(r)
	ctx := context.Background()

	_ = ctrl.DaemonReload(ctx)
	_ = ctrl.Enable(ctx, "wg-quick@wg0.service")
	_ = ctrl.Start(ctx, "lnd.service", true)
	_ = ctrl.Start(ctx, "lnd.service", false)
	_ = ctrl.Stop(ctx, "lnd.service")
	_ = ctrl.Restart(ctx, "lnd.service")
	_ = ctrl.Disable(ctx, "wg-quick@wg0.service")

	want := []string{
		"systemctl daemon-reload",
		"systemctl enable wg-quick@wg0.service",
		"systemctl start --no-block lnd.service",
		"systemctl start lnd.service",
		"systemctl stop lnd.service",
		"systemctl restart lnd.service",
		"systemctl disable wg-quick@wg0.service",
	}
	if strings.Join(r.calls, "\n") != strings.Join(want, "\n") {
		t.Errorf("calls =\n%s\nwant\n%s", strings.Join(r.calls, "\n"), strings.Join(want, "\n"))
	}
}

func TestSystemdController_StopMissingUnitIsAbsent(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{
		"systemctl stop gone.service": &command.ToolError{
			Tool: "systemctl", ExitCode: 5, Output: "Failed to stop gone.service: Unit gone.service not loaded.",
		},
		"systemctl enable broken.service": &command.ToolError{
			Tool: "systemctl", ExitCode: 1, Output: "Failed to enable unit: Access denied",
		},
	}}
	ctrl := NewSystemdController(r)

	err := ctrl.Stop(context.Background(), "gone.service")
	if !errors.Is(err, steps.ErrResourceAbsent) {
		t.Errorf("Stop() = %v, want ErrResourceAbsent", err)
	}

	err = ctrl.Enable(context.Background(), "broken.service")
	if errors.Is(err, steps.ErrResourceAbsent) || !errors.Is(err, steps.ErrExternalTool) {
		t.Errorf("Enable() = %v, want ErrExternalTool", err)
	}
}

func TestSystemdController_WaitActive(t *testing.T) {
	r := &fakeRunner{active: 1}
	ctrl := NewSystemdController(r)

	if err := ctrl.WaitActive(context.Background(), "lnd.service", 5*time.Second); err != nil {
		t.Fatalf("WaitActive() = %v", err)
	}
	if len(r.calls) != 2 {
		t.Errorf("is-active polled %d times, want 2", len(r.calls))
	}
}

func TestSystemdController_WaitActiveTimeout(t *testing.T) {
	r := &fakeRunner{active: 1 << 30}
	ctrl := NewSystemdController(r)

	err := ctrl.WaitActive(context.Background(), "lnd.service", 50*time.Millisecond)
	if err == nil {
		t.Fatal("WaitActive() = nil, want timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitActive() = %v, want DeadlineExceeded", err)
	}
}
