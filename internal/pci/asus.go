package pci

import (
	"os"
	"path/filepath"
)

// ASUS platform controls exposed by the asus-nb-wmi driver. These are ACPI
// backed: dgpu_disable hard-removes the dGPU from the bus, egpu_enable powers
// an external GPU enclosure, gpu_mux_mode flips the display multiplexer.
const asusPlatform = "devices/platform/asus-nb-wmi"

// MuxMode is the value of gpu_mux_mode.
type MuxMode int

const (
	// MuxDedicated routes displays through the dGPU.
	MuxDedicated MuxMode = 0
	// MuxIntegrated routes displays through the iGPU (optimus).
	MuxIntegrated MuxMode = 1
)

// AsusControls reads and writes the ASUS ACPI sysfs attributes.
type AsusControls struct {
	root string
}

// NewAsusControls returns controls rooted at the given sysfs mount.
func NewAsusControls(root string) *AsusControls {
	return &AsusControls{root: root}
}

func (a *AsusControls) path(attr string) string {
	return filepath.Join(a.root, asusPlatform, attr)
}

// HasMux reports whether the MUX control exists on this machine.
func (a *AsusControls) HasMux() bool {
	_, err := os.Stat(a.path("gpu_mux_mode"))
	return err == nil
}

// HasDgpuDisable reports whether the dgpu_disable control exists.
func (a *AsusControls) HasDgpuDisable() bool {
	_, err := os.Stat(a.path("dgpu_disable"))
	return err == nil
}

// HasEgpu reports whether the egpu_enable control exists.
func (a *AsusControls) HasEgpu() bool {
	_, err := os.Stat(a.path("egpu_enable"))
	return err == nil
}

// MuxMode reads the current MUX position.
func (a *AsusControls) MuxMode() (MuxMode, error) {
	s, err := readSysFile(a.path("gpu_mux_mode"))
	if err != nil {
		return MuxIntegrated, err
	}
	if s == "0" {
		return MuxDedicated, nil
	}
	return MuxIntegrated, nil
}

// SetMuxMode writes the MUX position. The change takes effect on reboot.
func (a *AsusControls) SetMuxMode(m MuxMode) error {
	v := "1"
	if m == MuxDedicated {
		v = "0"
	}
	return writeSysFile(a.path("gpu_mux_mode"), v)
}

// DgpuDisabled reads the dgpu_disable state.
func (a *AsusControls) DgpuDisabled() (bool, error) {
	s, err := readSysFile(a.path("dgpu_disable"))
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// SetDgpuDisabled toggles the ACPI dGPU disable. Disabling removes the device
// from the bus entirely; it must be re-enabled before a rescan can find it.
func (a *AsusControls) SetDgpuDisabled(disabled bool) error {
	v := "0"
	if disabled {
		v = "1"
	}
	return writeSysFile(a.path("dgpu_disable"), v)
}

// SetEgpuEnabled toggles the external GPU. The ACPI method also flips the
// internal dGPU, so callers must rescan afterwards.
func (a *AsusControls) SetEgpuEnabled(enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return writeSysFile(a.path("egpu_enable"), v)
}
