package pci

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// fakeSysfs builds a minimal PCI sysfs tree: an Intel boot VGA iGPU, an
// NVIDIA dGPU with an HDMI audio sibling, and the rescan knob.
func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	devices := map[string]map[string]string{
		"0000:00:02.0": {
			"class":    "0x030000",
			"vendor":   "0x8086",
			"device":   "0x46a6",
			"boot_vga": "1",
		},
		"0000:01:00.0": {
			"class":    "0x030000",
			"vendor":   "0x10de",
			"device":   "0x25a0",
			"boot_vga": "0",
		},
		"0000:01:00.1": {
			"class":  "0x040300",
			"vendor": "0x10de",
			"device": "0x2291",
		},
	}
	for name, attrs := range devices {
		dir := filepath.Join(root, "bus", "pci", "devices", name)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "power"), 0755))
		for attr, value := range attrs {
			require.NoError(t, os.WriteFile(filepath.Join(dir, attr), []byte(value+"\n"), 0644))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "remove"), []byte("0\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "power", "runtime_status"), []byte("suspended\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "power", "control"), []byte("auto\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "bus", "pci", "rescan"), []byte("0\n"), 0644))
	return root
}

// bindDriver points the device's driver link at a fake driver directory.
func bindDriver(t *testing.T, root, devName, driver string) {
	t.Helper()
	drvDir := filepath.Join(root, "bus", "pci", "drivers", driver)
	require.NoError(t, os.MkdirAll(drvDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(drvDir, "unbind"), []byte("\n"), 0644))
	link := filepath.Join(root, "bus", "pci", "devices", devName, "driver")
	os.Remove(link)
	require.NoError(t, os.Symlink(drvDir, link))
}

func fakeAsus(t *testing.T, root string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, "devices", "platform", "asus-nb-wmi")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for attr, value := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, attr), []byte(value+"\n"), 0644))
	}
}

// fakeModules is an in-memory ModuleRunner.
type fakeModules struct {
	loaded map[string]bool
}

func newFakeModules(preloaded ...string) *fakeModules {
	m := &fakeModules{loaded: make(map[string]bool)}
	for _, name := range preloaded {
		m.loaded[name] = true
	}
	return m
}

func (m *fakeModules) Load(_ context.Context, module string) error {
	m.loaded[module] = true
	return nil
}

func (m *fakeModules) Unload(_ context.Context, module string) error {
	delete(m.loaded, module)
	return nil
}

func (m *fakeModules) IsLoaded(module string) bool { return m.loaded[module] }

func TestDiscover_FindsDgpu(t *testing.T) {
	root := fakeSysfs(t)

	devices, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, devices, 1, "iGPU filtered by vendor, audio by class")

	d := devices[0]
	assert.Equal(t, "0000:01:00.0", d.Name)
	assert.Equal(t, "10de:25a0", d.PCIID)
	assert.Equal(t, mode.VendorNvidia, d.Vendor)
	assert.True(t, d.IsDgpu)
}

func TestDiscover_NoDgpu(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "pci", "devices"), 0755))

	_, err := Discover(root)
	assert.ErrorIs(t, err, ErrDgpuNotFound)
}

func TestDiscover_MuxDedicatedBootVGA(t *testing.T) {
	// Booted with the MUX in dedicated position the dGPU is the boot VGA
	// device; it must still be recognized or the recorded mode gets falsely
	// reset at startup.
	root := fakeSysfs(t)
	dgpuVGA := filepath.Join(root, "bus", "pci", "devices", "0000:01:00.0", "boot_vga")
	require.NoError(t, os.WriteFile(dgpuVGA, []byte("1\n"), 0644))

	// Without the MUX attribute the boot VGA exclusion stands.
	_, err := Discover(root)
	assert.ErrorIs(t, err, ErrDgpuNotFound)

	fakeAsus(t, root, map[string]string{"gpu_mux_mode": "0"})
	devices, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "0000:01:00.0", devices[0].Name)
	assert.True(t, devices[0].IsDgpu)

	// MUX back in integrated position restores the usual classification.
	fakeAsus(t, root, map[string]string{"gpu_mux_mode": "1"})
	_, err = Discover(root)
	assert.ErrorIs(t, err, ErrDgpuNotFound)
}

func TestSiblingFunctions(t *testing.T) {
	root := fakeSysfs(t)
	devices, err := Discover(root)
	require.NoError(t, err)

	siblings := SiblingFunctions(root, devices[0])
	require.Len(t, siblings, 1)
	assert.Equal(t, "0000:01:00.1", siblings[0].Name)
	assert.Equal(t, "10de:2291", siblings[0].PCIID)
}

func TestDevice_DriverAndUnbind(t *testing.T) {
	root := fakeSysfs(t)
	bindDriver(t, root, "0000:01:00.0", "nvidia")

	devices, err := Discover(root)
	require.NoError(t, err)
	d := devices[0]

	assert.Equal(t, "nvidia", d.Driver())
	require.NoError(t, d.Unbind())

	written, err := os.ReadFile(filepath.Join(root, "bus", "pci", "drivers", "nvidia", "unbind"))
	require.NoError(t, err)
	assert.Equal(t, d.Name, strings.TrimSpace(string(written)))
}

func TestDevice_UnbindWithoutDriver(t *testing.T) {
	root := fakeSysfs(t)
	devices, err := Discover(root)
	require.NoError(t, err)

	assert.Equal(t, "", devices[0].Driver())
	assert.NoError(t, devices[0].Unbind())
}

func TestDevice_RuntimeStatus(t *testing.T) {
	root := fakeSysfs(t)
	devices, err := Discover(root)
	require.NoError(t, err)

	assert.Equal(t, mode.PowerSuspended, devices[0].RuntimeStatus())
}

func TestModprobeConf_Rendering(t *testing.T) {
	integrated := ModprobeConf(mode.ModeIntegrated, mode.VendorNvidia, nil)
	assert.Contains(t, integrated, "blacklist nvidia")
	assert.Contains(t, integrated, "blacklist nouveau")
	assert.NotContains(t, integrated, "vfio-pci")

	hybrid := ModprobeConf(mode.ModeHybrid, mode.VendorNvidia, nil)
	assert.Contains(t, hybrid, "options nvidia-drm modeset=1")
	assert.NotContains(t, hybrid, "blacklist nvidia")

	vfio := ModprobeConf(mode.ModeVfio, mode.VendorNvidia, []string{"10de:25a0", "10de:2291"})
	assert.Contains(t, vfio, "options vfio-pci ids=10de:25a0,10de:2291")
	assert.Contains(t, vfio, "softdep nvidia pre: vfio-pci")
	assert.Contains(t, vfio, "blacklist nvidia")
}

func TestModprobeConf_AmdIsEmpty(t *testing.T) {
	assert.Equal(t, "", ModprobeConf(mode.ModeIntegrated, mode.VendorAMD, nil))
}

func TestWriteModprobeConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modprobe.d", "dgpud.conf")

	require.NoError(t, WriteModprobeConf(path, "blacklist nvidia\n"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "blacklist nvidia\n", string(data))

	// Empty content drops the conf.
	require.NoError(t, WriteModprobeConf(path, ""))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing an absent conf is fine.
	assert.NoError(t, WriteModprobeConf(path, ""))
}

func TestAsusControls(t *testing.T) {
	root := t.TempDir()
	fakeAsus(t, root, map[string]string{
		"gpu_mux_mode": "1",
		"dgpu_disable": "0",
		"egpu_enable":  "0",
	})
	asus := NewAsusControls(root)

	assert.True(t, asus.HasMux())
	assert.True(t, asus.HasDgpuDisable())
	assert.True(t, asus.HasEgpu())

	m, err := asus.MuxMode()
	require.NoError(t, err)
	assert.Equal(t, MuxIntegrated, m)

	require.NoError(t, asus.SetMuxMode(MuxDedicated))
	m, err = asus.MuxMode()
	require.NoError(t, err)
	assert.Equal(t, MuxDedicated, m)

	disabled, err := asus.DgpuDisabled()
	require.NoError(t, err)
	assert.False(t, disabled)

	require.NoError(t, asus.SetDgpuDisabled(true))
	disabled, err = asus.DgpuDisabled()
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestAsusControls_Absent(t *testing.T) {
	asus := NewAsusControls(t.TempDir())
	assert.False(t, asus.HasMux())
	assert.False(t, asus.HasDgpuDisable())
	assert.False(t, asus.HasEgpu())
}

func TestNewGPU(t *testing.T) {
	root := fakeSysfs(t)
	conf := filepath.Join(t.TempDir(), "dgpud.conf")

	gpu, err := NewGPU(root, conf, newFakeModules(), nil)
	require.NoError(t, err)

	assert.Equal(t, mode.VendorNvidia, gpu.Vendor())
	assert.ElementsMatch(t, []string{"10de:25a0", "10de:2291"}, gpu.PCIIDs())
	assert.Equal(t, mode.PowerSuspended, gpu.RuntimeStatus())
}

func TestNewGPU_NoDgpu(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "pci", "devices"), 0755))

	_, err := NewGPU(root, "", newFakeModules(), nil)
	assert.ErrorIs(t, err, ErrDgpuNotFound)
}

func TestGPU_WriteModprobeConfFor(t *testing.T) {
	root := fakeSysfs(t)
	conf := filepath.Join(t.TempDir(), "dgpud.conf")
	gpu, err := NewGPU(root, conf, newFakeModules(), nil)
	require.NoError(t, err)

	require.NoError(t, gpu.WriteModprobeConfFor(mode.ModeVfio))
	data, err := os.ReadFile(conf)
	require.NoError(t, err)
	assert.Contains(t, string(data), "options vfio-pci ids=10de:25a0,10de:2291")
}

func TestGPU_LoadUnloadDrivers(t *testing.T) {
	root := fakeSysfs(t)
	modules := newFakeModules()
	gpu, err := NewGPU(root, filepath.Join(t.TempDir(), "dgpud.conf"), modules, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, gpu.LoadDrivers(ctx))
	assert.True(t, modules.IsLoaded("nvidia"))
	assert.True(t, modules.IsLoaded("nvidia_drm"))

	require.NoError(t, gpu.UnloadDrivers(ctx))
	assert.False(t, modules.IsLoaded("nvidia"))

	require.NoError(t, gpu.LoadVfio(ctx))
	assert.True(t, modules.IsLoaded("vfio_pci"))
}

func TestGPU_Verify(t *testing.T) {
	root := fakeSysfs(t)
	modules := newFakeModules("nvidia")
	gpu, err := NewGPU(root, filepath.Join(t.TempDir(), "dgpud.conf"), modules, nil)
	require.NoError(t, err)

	require.NoError(t, gpu.Verify(mode.ModeHybrid))

	bindDriver(t, root, "0000:01:00.0", "vfio-pci")
	require.NoError(t, gpu.Verify(mode.ModeVfio))
	require.Error(t, gpu.Verify(mode.ModeIntegrated), "device still bound")

	bindDriver(t, root, "0000:01:00.0", "nvidia")
	err = gpu.Verify(mode.ModeVfio)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vfio-pci")
}

func TestGPU_RuntimeStatusAsusOverrides(t *testing.T) {
	root := fakeSysfs(t)
	fakeAsus(t, root, map[string]string{"dgpu_disable": "1"})
	gpu, err := NewGPU(root, filepath.Join(t.TempDir(), "dgpud.conf"), newFakeModules(), nil)
	require.NoError(t, err)

	assert.Equal(t, mode.PowerDgpuDisabled, gpu.RuntimeStatus())
}
