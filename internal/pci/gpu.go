package pci

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// GPU aggregates every PCI function of the discrete GPU and performs the
// blocking hardware operations of a mode switch. All operations act on the
// whole card: sibling functions (HDMI audio etc.) are unbound and removed
// together with the display function.
type GPU struct {
	root    string
	conf    string
	vendor  mode.Vendor
	devices []Device
	dgpu    int
	hotplug string
	modules ModuleRunner
	asus    *AsusControls
	logger  *slog.Logger
}

// NewGPU discovers the discrete GPU under the given sysfs root. A machine
// with the ASUS dgpu_disable set at boot has no visible dGPU; callers decide
// from AsusControls whether that is expected.
func NewGPU(root, modprobePath string, modules ModuleRunner, logger *slog.Logger) (*GPU, error) {
	if logger == nil {
		logger = slog.Default()
	}

	devices, err := Discover(root)
	if err != nil {
		return nil, err
	}

	g := &GPU{
		root:    root,
		conf:    modprobePath,
		modules: modules,
		asus:    NewAsusControls(root),
		logger:  logger,
	}
	for _, d := range devices {
		if d.IsDgpu {
			g.vendor = d.Vendor
			// Display function first, then siblings; index 0 is the dGPU.
			g.devices = append([]Device{d}, SiblingFunctions(root, d)...)
			g.dgpu = 0
			break
		}
	}
	if len(g.devices) == 0 {
		return nil, ErrDgpuNotFound
	}
	g.hotplug = findSlotPower(root, g.devices[g.dgpu].Name)

	logger.Info("discrete GPU discovered",
		"device", g.devices[g.dgpu].Name,
		"vendor", g.vendor.String(),
		"functions", len(g.devices),
		"hotplug", g.hotplug != "")
	return g, nil
}

// findSlotPower locates the hotplug slot power control for a device address,
// if the platform exposes one.
func findSlotPower(root, devName string) string {
	slotsDir := filepath.Join(root, "bus", "pci", "slots")
	entries, err := os.ReadDir(slotsDir)
	if err != nil {
		return ""
	}
	// Slot address omits the function number: 0000:01:00.
	want := devName
	if i := strings.LastIndex(want, "."); i > 0 {
		want = want[:i]
	}
	for _, entry := range entries {
		addr, err := readSysFile(filepath.Join(slotsDir, entry.Name(), "address"))
		if err != nil {
			continue
		}
		if addr == want {
			return filepath.Join(slotsDir, entry.Name(), "power")
		}
	}
	return ""
}

// Vendor returns the dGPU vendor.
func (g *GPU) Vendor() mode.Vendor { return g.vendor }

// Asus exposes the ASUS platform controls.
func (g *GPU) Asus() *AsusControls { return g.asus }

// PCIIDs returns the vendor:device IDs of every GPU function, used for the
// vfio-pci ids= option.
func (g *GPU) PCIIDs() []string {
	ids := make([]string, 0, len(g.devices))
	for _, d := range g.devices {
		if d.PCIID != "" && d.PCIID != ":" {
			ids = append(ids, d.PCIID)
		}
	}
	return ids
}

// RuntimeStatus reports the dGPU power state, accounting for the ASUS
// controls that remove the device from the bus entirely.
func (g *GPU) RuntimeStatus() mode.Power {
	if g.asus.HasMux() {
		if m, err := g.asus.MuxMode(); err == nil && m == MuxDedicated {
			return mode.PowerMuxDedicated
		}
	}
	if g.asus.HasDgpuDisable() {
		if disabled, err := g.asus.DgpuDisabled(); err == nil && disabled {
			return mode.PowerDgpuDisabled
		}
	}
	return g.devices[g.dgpu].RuntimeStatus()
}

// SetRuntimePM applies runtime power management to every GPU function.
func (g *GPU) SetRuntimePM(pm RuntimePM) error {
	for _, d := range g.devices {
		if err := d.SetRuntimePM(pm); err != nil {
			return err
		}
	}
	g.logger.Debug("runtime PM set", "pm", string(pm))
	return nil
}

// LoadDrivers loads the vendor driver modules in dependency order.
func (g *GPU) LoadDrivers(ctx context.Context) error {
	if g.vendor != mode.VendorNvidia {
		// amdgpu rebinds automatically on rescan.
		return nil
	}
	for _, m := range NvidiaModules {
		if err := g.modules.Load(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// UnloadDrivers unloads the vendor driver modules in reverse dependency
// order. A busy module surfaces as an error from modprobe.
func (g *GPU) UnloadDrivers(ctx context.Context) error {
	if g.vendor != mode.VendorNvidia {
		return nil
	}
	for i := len(NvidiaModules) - 1; i >= 0; i-- {
		if err := g.modules.Unload(ctx, NvidiaModules[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadVfio loads the vfio module stack.
func (g *GPU) LoadVfio(ctx context.Context) error {
	for _, m := range VfioModules {
		if err := g.modules.Load(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// UnloadVfio unloads the vfio module stack.
func (g *GPU) UnloadVfio(ctx context.Context) error {
	for i := len(VfioModules) - 1; i >= 0; i-- {
		if err := g.modules.Unload(ctx, VfioModules[i]); err != nil {
			return err
		}
	}
	return nil
}

// Unbind detaches every GPU function from its driver, audio function first.
func (g *GPU) Unbind() error {
	for i := len(g.devices) - 1; i >= 0; i-- {
		if err := g.devices[i].Unbind(); err != nil {
			return err
		}
		g.logger.Debug("unbound", "device", g.devices[i].Name)
	}
	return nil
}

// UnbindRemove unbinds and then removes every GPU function from the device
// tree. Only a bus rescan brings them back.
func (g *GPU) UnbindRemove() error {
	if err := g.Unbind(); err != nil {
		return err
	}
	for i := len(g.devices) - 1; i >= 0; i-- {
		if err := g.devices[i].Remove(); err != nil {
			return err
		}
		g.logger.Debug("removed", "device", g.devices[i].Name)
	}
	return nil
}

// Rescan triggers a PCI bus rescan, re-adding removed devices.
func (g *GPU) Rescan() error {
	return RescanBus(g.root)
}

// SetHotplug toggles the hotplug slot power if the platform has one.
func (g *GPU) SetHotplug(on bool) error {
	if g.hotplug == "" {
		return nil
	}
	v := "0"
	if on {
		v = "1"
	}
	g.logger.Info("setting hotplug slot power", "on", on)
	return writeSysFile(g.hotplug, v)
}

// SetDgpuDisabled toggles the ASUS ACPI dGPU disable.
func (g *GPU) SetDgpuDisabled(disabled bool) error {
	if !g.asus.HasDgpuDisable() {
		return nil
	}
	g.logger.Info("setting dgpu_disable", "disabled", disabled)
	return g.asus.SetDgpuDisabled(disabled)
}

// SetEgpuEnabled toggles the ASUS external GPU.
func (g *GPU) SetEgpuEnabled(enabled bool) error {
	g.logger.Info("setting egpu_enable", "enabled", enabled)
	return g.asus.SetEgpuEnabled(enabled)
}

// SetMuxDedicated flips the ASUS display MUX. Takes effect on reboot.
func (g *GPU) SetMuxDedicated(dedicated bool) error {
	m := MuxIntegrated
	if dedicated {
		m = MuxDedicated
	}
	g.logger.Info("setting gpu_mux_mode", "dedicated", dedicated)
	return g.asus.SetMuxMode(m)
}

// WriteModprobeConfFor pins the module configuration for the target mode.
func (g *GPU) WriteModprobeConfFor(target mode.Mode) error {
	content := ModprobeConf(target, g.vendor, g.PCIIDs())
	g.logger.Info("writing modprobe conf", "path", g.conf, "mode", target.String())
	return WriteModprobeConf(g.conf, content)
}

// BoundDriver reports the driver currently bound to the dGPU function.
func (g *GPU) BoundDriver() string {
	return g.devices[g.dgpu].Driver()
}

// Verify checks the post-switch condition for the target mode: the expected
// driver bound (or the device gone for integrated).
func (g *GPU) Verify(target mode.Mode) error {
	switch target {
	case mode.ModeVfio:
		if drv := g.BoundDriver(); drv != "vfio-pci" {
			return fmt.Errorf("verify %s: dGPU bound to %q, want vfio-pci", target, drv)
		}
	case mode.ModeHybrid, mode.ModeDedicatedOnly, mode.ModeAsusEgpu:
		if g.vendor == mode.VendorNvidia && !g.modules.IsLoaded("nvidia") {
			return fmt.Errorf("verify %s: nvidia module not loaded", target)
		}
	case mode.ModeIntegrated:
		if _, err := os.Stat(g.devices[g.dgpu].Path); err == nil {
			if drv := g.BoundDriver(); drv != "" {
				return fmt.Errorf("verify %s: dGPU still bound to %q", target, drv)
			}
		}
	}
	return nil
}
