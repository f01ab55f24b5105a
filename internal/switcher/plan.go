// Package switcher implements the mode transition state machine: planning,
// execution, rollback and the serialization point all control requests
// funnel through.
package switcher

import (
	"fmt"

	"github.com/dgpuctl/dgpuctl/internal/config"
	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// Step is one staged hardware operation of a mode transition. Plans are
// ordered lists of steps; keeping them flat and explicit makes every from/to
// combination independently reviewable.
type Step int

const (
	StepWriteModprobeConf Step = iota
	StepUnloadDrivers
	StepLoadDrivers
	StepUnloadVfio
	StepLoadVfio
	StepUnbindGpu
	StepUnbindRemoveGpu
	StepRescanBus
	StepHotplugOff
	StepHotplugOn
	StepDgpuDisable
	StepDgpuEnable
	StepEgpuEnable
	StepEgpuDisable
	StepMuxDedicated
	StepMuxIntegrated
)

func (s Step) String() string {
	switch s {
	case StepWriteModprobeConf:
		return "write-modprobe-conf"
	case StepUnloadDrivers:
		return "unload-drivers"
	case StepLoadDrivers:
		return "load-drivers"
	case StepUnloadVfio:
		return "unload-vfio"
	case StepLoadVfio:
		return "load-vfio"
	case StepUnbindGpu:
		return "unbind-gpu"
	case StepUnbindRemoveGpu:
		return "unbind-remove-gpu"
	case StepRescanBus:
		return "rescan-bus"
	case StepHotplugOff:
		return "hotplug-off"
	case StepHotplugOn:
		return "hotplug-on"
	case StepDgpuDisable:
		return "dgpu-disable"
	case StepDgpuEnable:
		return "dgpu-enable"
	case StepEgpuEnable:
		return "egpu-enable"
	case StepEgpuDisable:
		return "egpu-disable"
	case StepMuxDedicated:
		return "mux-dedicated"
	case StepMuxIntegrated:
		return "mux-integrated"
	default:
		return "unknown"
	}
}

// Plan is the staged action list for one transition.
type Plan struct {
	From mode.Mode
	To   mode.Mode
	// Steps run in order; a failure triggers a single rollback attempt.
	Steps []Step
	// Disruptive transitions detach the GPU driving an active display and
	// are gated on the session guard.
	Disruptive bool
	// RebootRequired transitions only stage the change; it takes effect on
	// the next boot. MUX position changes are always in this class.
	RebootRequired bool
}

// ErrRequiresAction is returned when the requested transition cannot be
// planned directly and the caller must take an intermediate step first.
type ErrRequiresAction struct {
	From, To mode.Mode
	Action   mode.UserAction
}

func (e *ErrRequiresAction) Error() string {
	switch e.Action {
	case mode.ActionIntegratedFirst:
		return fmt.Sprintf("cannot switch %s -> %s directly: switch to integrated first", e.From, e.To)
	default:
		return fmt.Sprintf("cannot switch %s -> %s directly: action %s required", e.From, e.To, e.Action)
	}
}

// hotplugSteps maps the configured hotplug mechanism to power-off/on steps.
func hotplugSteps(t config.HotplugType) (off, on []Step) {
	switch t {
	case config.HotplugStd:
		return []Step{StepHotplugOff}, []Step{StepHotplugOn}
	case config.HotplugAsus:
		return []Step{StepDgpuDisable}, []Step{StepDgpuEnable}
	default:
		return nil, nil
	}
}

// BuildPlan produces the staged action list for a from -> to transition.
// The matrix is verbose on purpose: every combination is spelled out so the
// conditions for each pairing stay reviewable in one place.
func BuildPlan(from, to mode.Mode, hotplug config.HotplugType) (Plan, error) {
	plan := Plan{From: from, To: to}
	hpOff, hpOn := hotplugSteps(hotplug)

	switch from {
	case mode.ModeHybrid:
		switch to {
		case mode.ModeIntegrated:
			plan.Disruptive = true
			plan.Steps = concat([]Step{StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf}, hpOff)
		case mode.ModeDedicatedOnly:
			plan.Steps = []Step{StepWriteModprobeConf}
		case mode.ModeVfio:
			// Tearing vfio out of a live display stack is how machines end
			// up with a hung compositor; route through integrated instead.
			return plan, &ErrRequiresAction{From: from, To: to, Action: mode.ActionIntegratedFirst}
		case mode.ModeAsusEgpu:
			plan.Disruptive = true
			plan.Steps = []Step{
				StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf,
				StepEgpuEnable, StepRescanBus, StepLoadDrivers,
			}
		case mode.ModeAsusMuxDedicated:
			plan.RebootRequired = true
			plan.Steps = []Step{StepMuxDedicated}
		}

	case mode.ModeIntegrated:
		switch to {
		case mode.ModeHybrid:
			plan.Disruptive = true
			plan.Steps = concat([]Step{StepWriteModprobeConf}, hpOn, []Step{StepRescanBus, StepLoadDrivers})
		case mode.ModeDedicatedOnly:
			plan.Steps = []Step{StepWriteModprobeConf, StepRescanBus, StepLoadDrivers}
		case mode.ModeVfio:
			plan.Steps = concat([]Step{StepWriteModprobeConf}, hpOn,
				[]Step{StepRescanBus, StepUnloadDrivers, StepUnbindGpu, StepLoadVfio})
		case mode.ModeAsusEgpu:
			plan.Disruptive = true
			plan.Steps = []Step{StepWriteModprobeConf, StepEgpuEnable, StepRescanBus, StepLoadDrivers}
		case mode.ModeAsusMuxDedicated:
			plan.RebootRequired = true
			plan.Steps = concat([]Step{StepWriteModprobeConf}, hpOn, []Step{StepMuxDedicated})
		}

	case mode.ModeDedicatedOnly:
		switch to {
		case mode.ModeHybrid:
			plan.Steps = []Step{StepWriteModprobeConf}
		case mode.ModeIntegrated:
			plan.Steps = concat([]Step{StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf}, hpOff)
		case mode.ModeVfio:
			plan.Steps = []Step{StepUnloadDrivers, StepUnbindGpu, StepWriteModprobeConf, StepLoadVfio}
		case mode.ModeAsusEgpu:
			plan.Disruptive = true
			plan.Steps = []Step{
				StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf,
				StepEgpuEnable, StepRescanBus, StepLoadDrivers,
			}
		case mode.ModeAsusMuxDedicated:
			plan.RebootRequired = true
			plan.Steps = []Step{StepMuxDedicated}
		}

	case mode.ModeVfio:
		switch to {
		case mode.ModeHybrid, mode.ModeDedicatedOnly:
			plan.Steps = []Step{StepUnloadVfio, StepWriteModprobeConf, StepRescanBus, StepLoadDrivers}
		case mode.ModeIntegrated:
			plan.Steps = concat([]Step{StepUnloadVfio, StepUnbindRemoveGpu, StepWriteModprobeConf}, hpOff)
		case mode.ModeAsusEgpu:
			plan.Disruptive = true
			plan.Steps = []Step{
				StepUnloadVfio, StepUnbindRemoveGpu, StepWriteModprobeConf,
				StepEgpuEnable, StepRescanBus, StepLoadDrivers,
			}
		case mode.ModeAsusMuxDedicated:
			plan.RebootRequired = true
			plan.Steps = []Step{StepMuxDedicated}
		}

	case mode.ModeAsusEgpu:
		switch to {
		case mode.ModeHybrid:
			plan.Disruptive = true
			plan.Steps = []Step{
				StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf,
				StepEgpuDisable, StepDgpuEnable, StepRescanBus, StepLoadDrivers,
			}
		case mode.ModeIntegrated:
			plan.Disruptive = true
			// Disabling the eGPU re-enables the internal dGPU, which can
			// reload its drivers, so the unbind runs twice.
			plan.Steps = concat([]Step{
				StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf,
				StepEgpuDisable, StepUnbindRemoveGpu,
			}, hpOff)
		case mode.ModeVfio, mode.ModeAsusMuxDedicated:
			return plan, &ErrRequiresAction{From: from, To: to, Action: mode.ActionIntegratedFirst}
		}

	case mode.ModeAsusMuxDedicated:
		// Leaving MUX dedicated mode is a reboot in every case; the rest of
		// the target mode is applied on the next boot.
		plan.RebootRequired = true
		plan.Steps = []Step{StepMuxIntegrated, StepWriteModprobeConf}
	}

	if len(plan.Steps) == 0 {
		return plan, fmt.Errorf("no transition plan for %s -> %s", from, to)
	}
	return plan, nil
}

func concat(lists ...[]Step) []Step {
	var out []Step
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
