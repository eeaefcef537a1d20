package lifecycle

import (
	"context"
	"fmt"

	"github.com/plexsphere/splitwg/internal/steps"
)

// Phase is the controller's position in the install state machine.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseReinstalling
	PhaseUninstalling
)

// String returns the lower-case name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseReinstalling:
		return "reinstalling"
	case PhaseUninstalling:
		return "uninstalling"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Operation names, used as sequence names in logs and reports.
const (
	OpInstall   = "install"
	OpCleanup   = "cleanup-previous"
	OpUninstall = "uninstall"
	OpRestart   = "restart"
)

// Step names.
const (
	stepInstallBinary      = "install-binary"
	stepWriteConfig        = "write-controller-config"
	stepEnsureGroup        = "ensure-classification-group"
	stepWriteCgroupUnit    = "write-cgroup-unit"
	stepWriteKillUnit      = "write-killswitch-unit"
	stepDaemonReload       = "daemon-reload"
	stepEnableCgroupUnit   = "enable-cgroup-unit"
	stepEnableKillUnit     = "enable-killswitch-unit"
	stepEnsureChains       = "ensure-filter-chains"
	stepBackupConfig       = "backup-service-config"
	stepPatchConfig        = "patch-service-config"
	stepWriteDropIn        = "write-service-drop-in"
	stepHaltService        = "halt-running-service"
	stepInstallHooks       = "install-tunnel-hooks"
	stepEnableTunnel       = "enable-tunnel"
	stepStartTunnel        = "start-tunnel"
	stepWaitService        = "wait-service-active"
	stepWriteState         = "write-install-state"
	stepStopService        = "stop-service"
	stepStopTunnel         = "stop-tunnel"
	stepDisableTunnel      = "disable-tunnel"
	stepStopLegacyUnit     = "stop-legacy-unit"
	stepRemoveLegacyUnit   = "remove-legacy-unit"
	stepDeleteLegacyTable  = "delete-legacy-nft-table"
	stepRemoveLegacyDropIn = "remove-legacy-drop-in"
	stepPurgeLegacyRoutes  = "purge-legacy-route-table"
	stepRemoveOldHooks     = "remove-previous-tunnel-hooks"
	stepRestoreOldConfig   = "restore-previous-service-config"
	stepTeardownRouting    = "teardown-routing"
	stepTeardownFirewall   = "teardown-filter"
	stepStopKillUnit       = "stop-killswitch-unit"
	stepStopCgroupUnit     = "stop-cgroup-unit"
	stepRemoveGroup        = "remove-classification-group"
	stepRemoveCgroupUnit   = "remove-cgroup-unit"
	stepRemoveKillUnit     = "remove-killswitch-unit"
	stepRemoveDropIn       = "remove-service-drop-in"
	stepRemoveHooks        = "remove-tunnel-hooks"
	stepRestoreConfig      = "restore-service-config"
	stepDeleteState        = "delete-install-state"
	stepRestartService     = "restart-service"
)

// defaultPolicy is used for steps not listed in stepPolicies.
var defaultPolicy = map[string]steps.Policy{
	OpInstall:   steps.Abort,
	OpCleanup:   steps.Continue,
	OpUninstall: steps.Continue,
	OpRestart:   steps.Abort,
}

// stepPolicies lists the exceptions to defaultPolicy.
var stepPolicies = map[string]map[string]steps.Policy{
	OpInstall: {
		stepWaitService: steps.Continue,
	},
	OpRestart: {
		stepStopTunnel:  steps.Continue,
		stepWaitService: steps.Continue,
	},
}

// PolicyFor returns the failure policy of step within operation op.
func PolicyFor(op, step string) steps.Policy {
	if p, ok := stepPolicies[op][step]; ok {
		return p
	}
	return defaultPolicy[op]
}

// stepBuilder adds steps to a sequence with policies from the table.
type stepBuilder struct {
	op  string
	seq *steps.Sequence
}

func newStepBuilder(op string, seq *steps.Sequence) *stepBuilder {
	return &stepBuilder{op: op, seq: seq}
}

func (b *stepBuilder) add(name, resource string, run func(ctx context.Context) error) {
	b.seq.Add(steps.Step{
		Name:     name,
		Resource: resource,
		Policy:   PolicyFor(b.op, name),
		Run:      run,
	})
}
