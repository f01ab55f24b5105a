// Package mode defines the GPU mode value types and the capability registry.
package mode

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is a discrete GPU power/visibility mode. Values are compared by
// identity and never mutated.
type Mode int

const (
	// ModeUnknown is the zero value; no valid mode has been determined.
	ModeUnknown Mode = iota
	// ModeIntegrated powers the dGPU off entirely; only the iGPU drives displays.
	ModeIntegrated
	// ModeHybrid keeps the dGPU available for offload while the iGPU drives displays.
	ModeHybrid
	// ModeDedicatedOnly keeps the dGPU drivers loaded without modeset, allowing
	// hot unload on supported hardware.
	ModeDedicatedOnly
	// ModeAsusMuxDedicated routes display output through the dGPU via the ASUS
	// MUX. Entering or leaving this mode always requires a reboot.
	ModeAsusMuxDedicated
	// ModeVfio binds the dGPU to vfio-pci for VM passthrough.
	ModeVfio
	// ModeAsusEgpu enables an ASUS external GPU enclosure.
	ModeAsusEgpu
)

// ErrParseMode is returned when a string does not name a known mode.
var ErrParseMode = errors.New("unknown GPU mode")

func (m Mode) String() string {
	switch m {
	case ModeIntegrated:
		return "integrated"
	case ModeHybrid:
		return "hybrid"
	case ModeDedicatedOnly:
		return "dedicated"
	case ModeAsusMuxDedicated:
		return "asus-mux-dedicated"
	case ModeVfio:
		return "vfio"
	case ModeAsusEgpu:
		return "asus-egpu"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name as produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integrated":
		return ModeIntegrated, nil
	case "hybrid":
		return ModeHybrid, nil
	case "dedicated":
		return ModeDedicatedOnly, nil
	case "asus-mux-dedicated":
		return ModeAsusMuxDedicated, nil
	case "vfio":
		return ModeVfio, nil
	case "asus-egpu":
		return ModeAsusEgpu, nil
	default:
		return ModeUnknown, fmt.Errorf("%w: %q", ErrParseMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler so modes serialize by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Vendor identifies the discrete GPU vendor by PCI vendor ID.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorNvidia
	VendorAMD
	VendorIntel
)

// VendorFromPCIID maps a PCI vendor ID to a Vendor.
func VendorFromPCIID(id uint16) Vendor {
	switch id {
	case 0x10DE:
		return VendorNvidia
	case 0x1002:
		return VendorAMD
	case 0x8086:
		return VendorIntel
	default:
		return VendorUnknown
	}
}

func (v Vendor) String() string {
	switch v {
	case VendorNvidia:
		return "nvidia"
	case VendorAMD:
		return "amd"
	case VendorIntel:
		return "intel"
	default:
		return "unknown"
	}
}

// Power is the dGPU runtime power status as reported by sysfs.
type Power int

const (
	PowerUnknown Power = iota
	PowerActive
	PowerSuspended
	PowerOff
	// PowerDgpuDisabled means the ASUS dgpu_disable ACPI control has removed
	// the device from the bus.
	PowerDgpuDisabled
	// PowerMuxDedicated means the ASUS MUX routes displays through the dGPU,
	// so runtime PM does not apply.
	PowerMuxDedicated
)

// ParsePower parses the contents of power/runtime_status.
func ParsePower(s string) Power {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return PowerActive
	case "suspended":
		return PowerSuspended
	case "off":
		return PowerOff
	default:
		return PowerUnknown
	}
}

func (p Power) String() string {
	switch p {
	case PowerActive:
		return "active"
	case PowerSuspended:
		return "suspended"
	case PowerOff:
		return "off"
	case PowerDgpuDisabled:
		return "dgpu-disabled"
	case PowerMuxDedicated:
		return "mux-dedicated"
	default:
		return "unknown"
	}
}

// UserAction tells a client what it must do before or after a mode switch.
type UserAction int

const (
	// ActionNone means no user intervention is needed.
	ActionNone UserAction = iota
	// ActionLogout means all graphical sessions must end before the switch runs.
	ActionLogout
	// ActionReboot means the switch takes effect on the next boot.
	ActionReboot
	// ActionIntegratedFirst means the caller must switch to integrated mode
	// before the requested mode is reachable.
	ActionIntegratedFirst
)

func (a UserAction) String() string {
	switch a {
	case ActionLogout:
		return "logout"
	case ActionReboot:
		return "reboot"
	case ActionIntegratedFirst:
		return "integrated-first"
	default:
		return "none"
	}
}
