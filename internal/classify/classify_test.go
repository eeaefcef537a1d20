package classify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/plexsphere/splitwg/internal/config"
	"github.com/plexsphere/splitwg/internal/steps"
)

type mockBackend struct {
	groups map[string]uint32
	procs  map[string][]int
	calls  []string

	ensureErr error
}

func newMockBackend() *mockBackend {
	return &mockBackend{groups: make(map[string]uint32), procs: make(map[string][]int)}
}

func (m *mockBackend) Ensure(name string, classID uint32) error {
	m.calls = append(m.calls, "ensure:"+name)
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.groups[name] = classID
	return nil
}

func (m *mockBackend) Add(name string, pid int) error {
	m.calls = append(m.calls, "add:"+name)
	if _, ok := m.groups[name]; !ok {
		return steps.Absent("cgroup " + name)
	}
	m.procs[name] = append(m.procs[name], pid)
	return nil
}

func (m *mockBackend) Members(name string) ([]int, error) {
	if _, ok := m.groups[name]; !ok {
		return nil, steps.Absent("cgroup " + name)
	}
	return m.procs[name], nil
}

func (m *mockBackend) Delete(name string) error {
	m.calls = append(m.calls, "delete:"+name)
	if _, ok := m.groups[name]; !ok {
		return steps.Absent("cgroup " + name)
	}
	delete(m.groups, name)
	delete(m.procs, name)
	return nil
}

func newTestClassifier(b Backend, settle time.Duration) *Classifier {
	return NewClassifier(b, config.Default().Policy(), settle, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnsureGroup_SetsClassTag(t *testing.T) {
	b := newMockBackend()
	c := newTestClassifier(b, 0)

	for i := 0; i < 2; i++ {
		if err := c.EnsureGroup(context.Background()); err != nil {
			t.Fatalf("EnsureGroup() = %v", err)
		}
	}
	if got := b.groups["splitwg"]; got != 0x00110011 {
		t.Errorf("classid = %#x, want 0x00110011", got)
	}
}

func TestEnsureGroup_BackendError(t *testing.T) {
	b := newMockBackend()
	b.ensureErr = errors.New("read-only file system")
	c := newTestClassifier(b, 0)

	if err := c.EnsureGroup(context.Background()); err == nil {
		t.Fatal("EnsureGroup() = nil, want error")
	}
}

func TestAttach(t *testing.T) {
	b := newMockBackend()
	c := newTestClassifier(b, 0)
	if err := c.EnsureGroup(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Attach(context.Background(), 4242); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	pids, err := c.Members(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pids) != 1 || pids[0] != 4242 {
		t.Errorf("Members() = %v, want [4242]", pids)
	}
}

func TestAttach_InvalidPID(t *testing.T) {
	b := newMockBackend()
	c := newTestClassifier(b, time.Hour)

	err := c.Attach(context.Background(), 0)
	if !errors.Is(err, steps.ErrValidationFailed) {
		t.Fatalf("Attach(0) = %v, want ErrValidationFailed", err)
	}
	if len(b.calls) != 0 {
		t.Errorf("backend called: %v", b.calls)
	}
}

func TestAttach_SettleCancelled(t *testing.T) {
	b := newMockBackend()
	c := newTestClassifier(b, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Attach(ctx, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Attach() = %v, want context.Canceled", err)
	}
	if len(b.calls) != 0 {
		t.Errorf("process attached despite cancellation: %v", b.calls)
	}
}

func TestAttach_WaitsSettleDelay(t *testing.T) {
	b := newMockBackend()
	c := newTestClassifier(b, 20*time.Millisecond)
	if err := c.EnsureGroup(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := c.Attach(context.Background(), 7); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Attach returned after %v, before the settle delay", elapsed)
	}
}

func TestRemove(t *testing.T) {
	b := newMockBackend()
	c := newTestClassifier(b, 0)
	if err := c.EnsureGroup(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Remove(context.Background()); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	err := c.Remove(context.Background())
	if !errors.Is(err, steps.ErrResourceAbsent) {
		t.Fatalf("Remove() twice = %v, want ErrResourceAbsent", err)
	}
	if steps.Classify(err, steps.Continue) != steps.Skipped {
		t.Error("absent group not classified as skipped")
	}
}
