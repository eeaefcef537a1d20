package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/plexsphere/splitwg/internal/firewall"
	"github.com/plexsphere/splitwg/internal/netcheck"
	"github.com/plexsphere/splitwg/internal/routing"
	"github.com/plexsphere/splitwg/internal/steps"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

// callLog records calls across every fake in the order they happen.
type callLog struct {
	calls []string
}

func (l *callLog) record(format string, args ...any) {
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) reset() {
	l.calls = nil
}

// index returns the position of the first call equal to s, or -1.
func (l *callLog) index(s string) int {
	for i, c := range l.calls {
		if c == s {
			return i
		}
	}
	return -1
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, c := range l.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeSystemd struct {
	log       *callLog
	available bool
	active    map[string]bool
	waitErr   error
}

func (f *fakeSystemd) IsAvailable() bool { return f.available }

func (f *fakeSystemd) DaemonReload(context.Context) error {
	f.log.record("systemd daemon-reload")
	return nil
}

func (f *fakeSystemd) Enable(_ context.Context, u string) error {
	f.log.record("systemd enable %s", u)
	return nil
}

func (f *fakeSystemd) Disable(_ context.Context, u string) error {
	f.log.record("systemd disable %s", u)
	return nil
}

func (f *fakeSystemd) Start(_ context.Context, u string, noBlock bool) error {
	f.log.record("systemd start %s", u)
	f.active[u] = true
	return nil
}

func (f *fakeSystemd) Stop(_ context.Context, u string) error {
	f.log.record("systemd stop %s", u)
	f.active[u] = false
	return nil
}

func (f *fakeSystemd) Restart(_ context.Context, u string) error {
	f.log.record("systemd restart %s", u)
	f.active[u] = true
	return nil
}

func (f *fakeSystemd) IsActive(_ context.Context, u string) bool { return f.active[u] }

func (f *fakeSystemd) IsEnabled(context.Context, string) bool { return false }

func (f *fakeSystemd) WaitActive(_ context.Context, u string, _ time.Duration) error {
	f.log.record("systemd wait %s", u)
	return f.waitErr
}

type fakeRoot struct{ root bool }

func (f fakeRoot) IsRoot() bool { return f.root }

type fakeRouter struct {
	log       *callLog
	rules     routing.RuleStatus
	routes    []routing.Route
	installed bool
}

func (f *fakeRouter) Teardown(context.Context) error {
	f.log.record("routing teardown")
	if !f.installed {
		return steps.Absent("route table")
	}
	f.installed = false
	return nil
}

func (f *fakeRouter) PurgeTable(_ context.Context, table int) error {
	f.log.record("routing purge %d", table)
	return steps.Absent(fmt.Sprintf("route table %d", table))
}

func (f *fakeRouter) Routes(context.Context) ([]routing.Route, error) { return f.routes, nil }

func (f *fakeRouter) RulesPresent(context.Context) (routing.RuleStatus, error) { return f.rules, nil }

type fakeClassifier struct {
	log     *callLog
	members []int
	exists  bool
}

func (f *fakeClassifier) EnsureGroup(context.Context) error {
	f.log.record("classify ensure")
	f.exists = true
	return nil
}

func (f *fakeClassifier) Members(context.Context) ([]int, error) { return f.members, nil }

func (f *fakeClassifier) Remove(context.Context) error {
	f.log.record("classify remove")
	if !f.exists {
		return steps.Absent("net_cls group")
	}
	f.exists = false
	return nil
}

type fakeFirewall struct {
	log       *callLog
	ensureErr error
	chains    []string
}

func (f *fakeFirewall) EnsureChains(context.Context) error {
	f.log.record("firewall ensure")
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.chains = firewall.ChainNames
	return nil
}

func (f *fakeFirewall) Teardown(context.Context) error {
	f.log.record("firewall teardown")
	if f.chains == nil {
		return steps.Absent("nftables table " + firewall.TableName)
	}
	f.chains = nil
	return nil
}

func (f *fakeFirewall) DeleteTable(_ context.Context, family firewall.Family, name string) error {
	f.log.record("firewall delete %s %s", family, name)
	return steps.Absent("nftables table " + name)
}

func (f *fakeFirewall) Present(context.Context) ([]string, error) { return f.chains, nil }

type fakeTunnel struct {
	log      *callLog
	active   bool
	hooks    tunnel.Hooks
	injected map[string]bool
}

func (f *fakeTunnel) Unit() string { return "wg-quick@wg0.service" }

func (f *fakeTunnel) InstallConfig(_ context.Context, path string, h tunnel.Hooks) error {
	f.log.record("tunnel install-config %s", path)
	f.hooks = h
	f.injected[path] = true
	return nil
}

func (f *fakeTunnel) RemoveConfig(_ context.Context, path string) error {
	f.log.record("tunnel remove-config %s", path)
	if !f.injected[path] {
		return steps.Absent("tunnel hooks in " + path)
	}
	delete(f.injected, path)
	return nil
}

func (f *fakeTunnel) BringUp(context.Context) error {
	f.log.record("tunnel up")
	f.active = true
	return nil
}

func (f *fakeTunnel) BringDown(context.Context) error {
	f.log.record("tunnel down")
	f.active = false
	return nil
}

func (f *fakeTunnel) Enable(context.Context) error {
	f.log.record("tunnel enable")
	return nil
}

func (f *fakeTunnel) Disable(context.Context) error {
	f.log.record("tunnel disable")
	return nil
}

func (f *fakeTunnel) IsActive(context.Context) bool { return f.active }

type fakeDevice struct {
	status tunnel.DeviceStatus
	err    error
}

func (f fakeDevice) Device(string) (tunnel.DeviceStatus, error) { return f.status, f.err }

type fakeProber struct {
	reachable bool
	probed    string
}

func (f *fakeProber) Probe(_ context.Context, host string, port uint16) (netcheck.Result, error) {
	f.probed = fmt.Sprintf("%s:%d", host, port)
	res := netcheck.Result{Address: f.probed, Reachable: f.reachable}
	if !f.reachable {
		res.Err = fmt.Errorf("connection refused")
	}
	return res, nil
}
