package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

func TestStateStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.json")
	s := NewStateStore(path)

	requested := mode.ModeVfio
	require.NoError(t, s.Commit(PersistedConfig{
		CurrentMode:   mode.ModeHybrid,
		RequestedMode: &requested,
		VfioEnable:    true,
	}))

	got := s.Load()
	assert.Equal(t, mode.ModeHybrid, got.CurrentMode)
	require.NotNil(t, got.RequestedMode)
	assert.Equal(t, mode.ModeVfio, *got.RequestedMode)
	assert.True(t, got.VfioEnable)
	assert.Equal(t, stateSchemaVersion, got.SchemaVersion)
}

func TestStateStore_MissingFileDefaults(t *testing.T) {
	s := NewStateStore(filepath.Join(t.TempDir(), "absent.json"))

	got := s.Load()
	assert.Equal(t, mode.ModeIntegrated, got.CurrentMode)
	assert.Nil(t, got.RequestedMode)
}

func TestStateStore_CorruptFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0600))

	got := NewStateStore(path).Load()
	assert.Equal(t, mode.ModeIntegrated, got.CurrentMode)
}

func TestStateStore_UnknownModeDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"schema_version":1,"current_mode":"unknown"}`), 0600))

	got := NewStateStore(path).Load()
	assert.Equal(t, mode.ModeIntegrated, got.CurrentMode)
}

func TestStateStore_CommitOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateStore(path)

	require.NoError(t, s.Commit(PersistedConfig{CurrentMode: mode.ModeHybrid}))
	require.NoError(t, s.Commit(PersistedConfig{CurrentMode: mode.ModeIntegrated}))

	assert.Equal(t, mode.ModeIntegrated, s.Load().CurrentMode)
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file cleaned up by rename")
}
