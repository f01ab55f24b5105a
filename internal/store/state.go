// Package store persists the daemon's mode state and the switch journal.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// DefaultStatePath is the well-known location of the persisted state.
// Readable and writable only by the daemon's privilege level.
const DefaultStatePath = "/var/lib/dgpud/state.json"

// stateSchemaVersion is the current state file schema.
const stateSchemaVersion = 1

// PersistedConfig is the durable mode state. It is written atomically on
// every committed transition and read once at startup.
type PersistedConfig struct {
	SchemaVersion int        `json:"schema_version"`
	CurrentMode   mode.Mode  `json:"current_mode"`
	RequestedMode *mode.Mode `json:"requested_mode,omitempty"`
	VfioEnable    bool       `json:"vfio_enable"`
}

// DefaultPersistedConfig is the fail-open state used when the store is
// missing or corrupt: integrated is the one mode every machine can bring a
// display up in.
func DefaultPersistedConfig() PersistedConfig {
	return PersistedConfig{
		SchemaVersion: stateSchemaVersion,
		CurrentMode:   mode.ModeIntegrated,
	}
}

// StateStore reads and writes the PersistedConfig at a fixed path.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore returns a store at the given path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the persisted state. A missing or unparseable file falls back
// to the safe default rather than failing: the daemon must always come up.
func (s *StateStore) Load() PersistedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return DefaultPersistedConfig()
	}

	var cfg PersistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultPersistedConfig()
	}
	if cfg.CurrentMode == mode.ModeUnknown {
		return DefaultPersistedConfig()
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = stateSchemaVersion
	}
	return cfg
}

// Commit writes the state atomically via a temporary file and rename, so a
// crash mid-write cannot leave a half-written file.
func (s *StateStore) Commit(cfg PersistedConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = stateSchemaVersion
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
