package switcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// Hardware is the set of blocking operations a transition plan is executed
// against. The production implementation is pci.GPU; tests substitute a fake
// to simulate failures without touching kernel state.
type Hardware interface {
	LoadDrivers(ctx context.Context) error
	UnloadDrivers(ctx context.Context) error
	LoadVfio(ctx context.Context) error
	UnloadVfio(ctx context.Context) error
	Unbind() error
	UnbindRemove() error
	Rescan() error
	SetHotplug(on bool) error
	SetDgpuDisabled(disabled bool) error
	SetEgpuEnabled(enabled bool) error
	SetMuxDedicated(dedicated bool) error
	WriteModprobeConfFor(target mode.Mode) error
	Verify(target mode.Mode) error
}

// runStep dispatches one plan step to the hardware. The target mode is the
// mode the overall plan switches to, needed for the modprobe configuration.
func runStep(ctx context.Context, hw Hardware, step Step, target mode.Mode, logger *slog.Logger) error {
	logger.Info("executing switch step", "step", step.String(), "target", target.String())

	var err error
	switch step {
	case StepWriteModprobeConf:
		err = hw.WriteModprobeConfFor(target)
	case StepUnloadDrivers:
		err = hw.UnloadDrivers(ctx)
	case StepLoadDrivers:
		err = hw.LoadDrivers(ctx)
	case StepUnloadVfio:
		err = hw.UnloadVfio(ctx)
	case StepLoadVfio:
		err = hw.LoadVfio(ctx)
	case StepUnbindGpu:
		err = hw.Unbind()
	case StepUnbindRemoveGpu:
		err = hw.UnbindRemove()
	case StepRescanBus:
		err = hw.Rescan()
	case StepHotplugOff:
		err = hw.SetHotplug(false)
	case StepHotplugOn:
		err = hw.SetHotplug(true)
	case StepDgpuDisable:
		err = hw.SetDgpuDisabled(true)
	case StepDgpuEnable:
		err = hw.SetDgpuDisabled(false)
	case StepEgpuEnable:
		err = hw.SetEgpuEnabled(true)
	case StepEgpuDisable:
		err = hw.SetEgpuEnabled(false)
	case StepMuxDedicated:
		err = hw.SetMuxDedicated(true)
	case StepMuxIntegrated:
		err = hw.SetMuxDedicated(false)
	default:
		err = fmt.Errorf("unknown step %d", step)
	}

	if err != nil {
		return fmt.Errorf("step %s: %w", step, err)
	}
	return nil
}
