package pci

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Driver module sets, ordered for loading. Unloading walks them in reverse.
var (
	// NvidiaModules are loaded in dependency order for hybrid/dedicated modes.
	NvidiaModules = []string{"nvidia", "nvidia_modeset", "nvidia_drm", "nvidia_uvm"}
	// VfioModules bind the dGPU for VM passthrough.
	VfioModules = []string{"vfio", "vfio_iommu_type1", "vfio_pci"}
)

// ModuleRunner executes kernel module operations. The production
// implementation shells out to modprobe; tests substitute a fake.
type ModuleRunner interface {
	Load(ctx context.Context, module string) error
	Unload(ctx context.Context, module string) error
	IsLoaded(module string) bool
}

// ModprobeRunner loads and unloads modules via the modprobe binary.
type ModprobeRunner struct {
	logger *slog.Logger
}

// NewModprobeRunner returns a runner backed by modprobe.
func NewModprobeRunner(logger *slog.Logger) *ModprobeRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModprobeRunner{logger: logger}
}

// Load runs modprobe for the module.
func (r *ModprobeRunner) Load(ctx context.Context, module string) error {
	out, err := exec.CommandContext(ctx, "modprobe", module).CombinedOutput()
	if err != nil {
		return fmt.Errorf("modprobe %s: %w: %s", module, err, strings.TrimSpace(string(out)))
	}
	r.logger.Debug("module loaded", "module", module)
	return nil
}

// Unload runs modprobe -r for the module. A module that is not loaded is not
// an error.
func (r *ModprobeRunner) Unload(ctx context.Context, module string) error {
	if !r.IsLoaded(module) {
		return nil
	}
	out, err := exec.CommandContext(ctx, "modprobe", "-r", module).CombinedOutput()
	if err != nil {
		return fmt.Errorf("modprobe -r %s: %w: %s", module, err, strings.TrimSpace(string(out)))
	}
	r.logger.Debug("module unloaded", "module", module)
	return nil
}

// IsLoaded checks /proc/modules for the module name.
func (r *ModprobeRunner) IsLoaded(module string) bool {
	data, err := readSysFile("/proc/modules")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(data, "\n") {
		if name, _, ok := strings.Cut(line, " "); ok && name == module {
			return true
		}
	}
	return false
}
