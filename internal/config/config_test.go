package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.False(t, cfg.Switch.AlwaysReboot)
	assert.False(t, cfg.Switch.NoLogind)
	assert.Equal(t, 3*time.Minute, cfg.Switch.LogoutTimeout.Duration())
	assert.Equal(t, HotplugNone, cfg.Switch.HotplugType)
	assert.False(t, cfg.Vfio.Enable)
	assert.False(t, cfg.Vfio.SaveOnBoot)
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dgpud.toml")
	content := `
[switch]
always_reboot = true
logout_timeout = "90s"
hotplug_type = "asus"

[vfio]
enable = true
save_on_boot = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Switch.AlwaysReboot)
	assert.Equal(t, 90*time.Second, cfg.Switch.LogoutTimeout.Duration())
	assert.Equal(t, HotplugAsus, cfg.Switch.HotplugType)
	assert.True(t, cfg.Vfio.Enable)
	assert.True(t, cfg.Vfio.SaveOnBoot)
	// Unset keys keep their defaults.
	assert.False(t, cfg.Switch.NoLogind)
}

func TestLoad_IntegerSecondsDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dgpud.toml")
	require.NoError(t, os.WriteFile(path, []byte("[switch]\nlogout_timeout = \"120\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Switch.LogoutTimeout.Duration())
}

func TestLoad_RejectsInvalidHotplugType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dgpud.toml")
	require.NoError(t, os.WriteFile(path, []byte("[switch]\nhotplug_type = \"acpi\"\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hotplug_type")
}

func TestLoad_RejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dgpud.toml")
	require.NoError(t, os.WriteFile(path, []byte("[switch\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "dgpud.toml")

	cfg := Default()
	cfg.Vfio.Enable = true
	cfg.Switch.LogoutTimeout = Duration(45 * time.Second)
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate_NegativeTimeout(t *testing.T) {
	cfg := Default()
	cfg.Switch.LogoutTimeout = Duration(-time.Second)
	assert.Error(t, cfg.Validate())
}
