package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dgpud.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vfio]\nenable = false\n"), 0644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.SetReloadCallback(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, w.Start())

	// Give the watch a moment to attach before mutating the directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[vfio]\nenable = true\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.True(t, cfg.Vfio.Enable)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestWatcher_KeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dgpud.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vfio]\nenable = false\n"), 0644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	failed := make(chan error, 1)
	w.SetReloadCallback(func(*Config) {
		t.Error("reload callback invoked for a broken config")
	})
	w.SetErrorCallback(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	require.NoError(t, w.Start())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[vfio\n"), 0644))

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("error callback not invoked")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dgpud.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vfio]\nenable = false\n"), 0644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan struct{}, 1)
	w.SetReloadCallback(func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, w.Start())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
