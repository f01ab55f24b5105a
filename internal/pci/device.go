// Package pci controls the discrete GPU through PCI sysfs: device discovery,
// driver binding, bus rescans, runtime power management and the ASUS platform
// controls.
package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// DefaultSysfsRoot is the real sysfs mount point. Tests substitute a
// temporary tree.
const DefaultSysfsRoot = "/sys"

// ErrDgpuNotFound is returned when no discrete GPU is present on the bus.
var ErrDgpuNotFound = errors.New("no discrete GPU found on the PCI bus")

// Device is a single PCI function belonging to the GPU.
type Device struct {
	// Path is the sysfs device directory, e.g.
	// /sys/bus/pci/devices/0000:01:00.0.
	Path string
	// Name is the kernel device name, e.g. 0000:01:00.0. Written to
	// driver/unbind to detach the driver.
	Name string
	// PCIID is vendor:device, e.g. 10de:25a0. Used for vfio-pci id binding.
	PCIID string
	// Vendor is derived from the PCI vendor ID.
	Vendor mode.Vendor
	// IsDgpu is true for the display-class function of the discrete GPU.
	IsDgpu bool
}

// readSysFile reads and trims a small sysfs attribute.
func readSysFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeSysFile writes a sysfs attribute. Sysfs writes are not atomic in the
// file-replace sense; the kernel consumes them directly.
func writeSysFile(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// Discover scans <root>/bus/pci/devices for GPU functions. The dGPU is the
// display-class device that is not the boot VGA device: the internal panel is
// wired to the iGPU, and firmware marks that one boot_vga=1. With the MUX in
// dedicated position the dGPU itself is the boot VGA device, so the boot_vga
// exclusion is suspended then.
func Discover(root string) ([]Device, error) {
	devicesDir := filepath.Join(root, "bus", "pci", "devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", devicesDir, err)
	}

	muxDedicated := false
	if mm, err := NewAsusControls(root).MuxMode(); err == nil && mm == MuxDedicated {
		muxDedicated = true
	}

	var devices []Device
	for _, entry := range entries {
		devPath := filepath.Join(devicesDir, entry.Name())

		classStr, err := readSysFile(filepath.Join(devPath, "class"))
		if err != nil {
			continue
		}
		// Display controllers are class 0x03xxxx.
		if !strings.HasPrefix(classStr, "0x03") {
			continue
		}

		vendorStr, err := readSysFile(filepath.Join(devPath, "vendor"))
		if err != nil {
			continue
		}
		vendorID, err := parseHexID(vendorStr)
		if err != nil {
			continue
		}
		vendor := mode.VendorFromPCIID(vendorID)
		if vendor != mode.VendorNvidia && vendor != mode.VendorAMD {
			continue
		}

		deviceStr, _ := readSysFile(filepath.Join(devPath, "device"))
		pciID := fmt.Sprintf("%s:%s",
			strings.TrimPrefix(vendorStr, "0x"),
			strings.TrimPrefix(deviceStr, "0x"))

		isDgpu := true
		if bootVGA, err := readSysFile(filepath.Join(devPath, "boot_vga")); err == nil && bootVGA == "1" && !muxDedicated {
			isDgpu = false
		}

		devices = append(devices, Device{
			Path:   devPath,
			Name:   entry.Name(),
			PCIID:  pciID,
			Vendor: vendor,
			IsDgpu: isDgpu,
		})
	}

	// Keep sibling functions (audio etc.) of the dGPU so unbinding covers the
	// whole card. Any non-display function sharing the dGPU's slot prefix is
	// picked up by the caller via SiblingFunctions.
	hasDgpu := false
	for _, d := range devices {
		if d.IsDgpu {
			hasDgpu = true
		}
	}
	if !hasDgpu {
		return nil, ErrDgpuNotFound
	}
	return devices, nil
}

// SiblingFunctions returns all PCI functions in the same slot as the device,
// e.g. the HDMI audio function 0000:01:00.1 next to 0000:01:00.0.
func SiblingFunctions(root string, dgpu Device) []Device {
	slot := dgpu.Name
	if i := strings.LastIndex(slot, "."); i > 0 {
		slot = slot[:i]
	}

	devicesDir := filepath.Join(root, "bus", "pci", "devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil
	}

	var siblings []Device
	for _, entry := range entries {
		if entry.Name() == dgpu.Name || !strings.HasPrefix(entry.Name(), slot+".") {
			continue
		}
		devPath := filepath.Join(devicesDir, entry.Name())
		vendorStr, _ := readSysFile(filepath.Join(devPath, "vendor"))
		deviceStr, _ := readSysFile(filepath.Join(devPath, "device"))
		pciID := fmt.Sprintf("%s:%s",
			strings.TrimPrefix(vendorStr, "0x"),
			strings.TrimPrefix(deviceStr, "0x"))
		siblings = append(siblings, Device{
			Path:  devPath,
			Name:  entry.Name(),
			PCIID: pciID,
		})
	}
	return siblings
}

// Driver resolves the driver currently bound to the device, or "" if unbound.
func (d Device) Driver() string {
	target, err := os.Readlink(filepath.Join(d.Path, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// Unbind detaches the device from its current driver. A device with no
// driver bound is not an error; the driver may already be unloaded.
func (d Device) Unbind() error {
	driverLink := filepath.Join(d.Path, "driver")
	if _, err := os.Stat(driverLink); err != nil {
		return nil
	}
	return writeSysFile(filepath.Join(driverLink, "unbind"), d.Name)
}

// Remove deletes the device from the PCI device tree. A bus rescan brings it
// back.
func (d Device) Remove() error {
	if _, err := os.Stat(d.Path); err != nil {
		return nil
	}
	return writeSysFile(filepath.Join(d.Path, "remove"), "1")
}

// RuntimeStatus reads the device's runtime PM status. A missing attribute
// reads as off: the device has been removed or powered down.
func (d Device) RuntimeStatus() mode.Power {
	s, err := readSysFile(filepath.Join(d.Path, "power", "runtime_status"))
	if err != nil {
		return mode.PowerOff
	}
	return mode.ParsePower(s)
}

// RuntimePM is a power/control value.
type RuntimePM string

const (
	RuntimePMAuto RuntimePM = "auto"
	RuntimePMOn   RuntimePM = "on"
)

// SetRuntimePM writes the device's power/control attribute. A missing
// attribute is skipped; the device may have been removed.
func (d Device) SetRuntimePM(pm RuntimePM) error {
	path := filepath.Join(d.Path, "power", "control")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return writeSysFile(path, string(pm))
}

// RescanBus asks the kernel to rescan the PCI bus, re-adding removed devices.
func RescanBus(root string) error {
	return writeSysFile(filepath.Join(root, "bus", "pci", "rescan"), "1")
}
