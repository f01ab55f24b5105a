package mode

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnsupportedMode is returned when a requested mode is not in the
// machine's capability profile.
type ErrUnsupportedMode struct {
	Mode Mode
}

func (e *ErrUnsupportedMode) Error() string {
	return fmt.Sprintf("mode %s is not supported on this machine", e.Mode)
}

// HardwareProfile describes what the hardware probe found at startup.
// The registry derives the capability profile from it exactly once.
type HardwareProfile struct {
	HasDgpu    bool
	Vendor     Vendor
	HasMux     bool
	HasEgpu    bool
	VfioEnable bool
}

// Registry holds the set of modes this machine supports. It is computed
// from the hardware probe at startup; the only runtime mutation is the
// vfio toggle, which follows the configuration file.
type Registry struct {
	mu        sync.RWMutex
	supported map[Mode]bool
	profile   HardwareProfile
}

// NewRegistry computes the capability profile from the probed hardware.
func NewRegistry(profile HardwareProfile, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	supported := map[Mode]bool{
		ModeIntegrated: true,
	}
	if profile.HasDgpu {
		supported[ModeHybrid] = true
		if profile.Vendor == VendorNvidia {
			supported[ModeDedicatedOnly] = true
		}
		if profile.VfioEnable {
			supported[ModeVfio] = true
		}
	}
	if profile.HasMux {
		supported[ModeAsusMuxDedicated] = true
	}
	if profile.HasEgpu {
		supported[ModeAsusEgpu] = true
	}

	r := &Registry{supported: supported, profile: profile}
	logger.Info("capability profile computed",
		"supported", r.names(),
		"vendor", profile.Vendor.String(),
		"mux", profile.HasMux,
		"egpu", profile.HasEgpu,
		"vfio", profile.VfioEnable)
	return r
}

// NewRegistryForModes builds a registry from an explicit mode set.
// Intended for tests that need a fixed capability profile.
func NewRegistryForModes(modes ...Mode) *Registry {
	supported := make(map[Mode]bool, len(modes))
	for _, m := range modes {
		supported[m] = true
	}
	return &Registry{supported: supported}
}

// Capabilities returns the supported modes in a stable order.
func (r *Registry) Capabilities() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]Mode, 0, len(r.supported))
	for m := range r.supported {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

// Supports reports whether the machine can run in the given mode.
func (r *Registry) Supports(m Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supported[m]
}

// Validate returns ErrUnsupportedMode when the target mode is not in the
// capability profile. It has no side effects.
func (r *Registry) Validate(m Mode) error {
	if !r.Supports(m) {
		return &ErrUnsupportedMode{Mode: m}
	}
	return nil
}

// SetVfioAvailable toggles vfio mode to follow a configuration change.
// Vfio still requires a dGPU; the toggle is a no-op without one.
func (r *Registry) SetVfioAvailable(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enable && !r.profile.HasDgpu {
		return
	}
	if enable {
		r.supported[ModeVfio] = true
	} else {
		delete(r.supported, ModeVfio)
	}
	r.profile.VfioEnable = enable
}

// Vendor returns the probed discrete GPU vendor.
func (r *Registry) Vendor() Vendor {
	return r.profile.Vendor
}

func (r *Registry) names() []string {
	modes := r.Capabilities()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return names
}
