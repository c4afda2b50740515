package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/luban-ide/luban-core/internal/model"
)

// CurrentProtocolVersion is bumped whenever a field is added to persistedState in a way
// that changes how an older file should be interpreted. Readers must tolerate unknown
// higher versions by keeping their own defaults for fields they don't recognize.
const CurrentProtocolVersion = 1

// persistedState is the on-disk shape of the core's process-private settings file.
// It is additive only: new fields get a zero-value default so older files still load.
type persistedState struct {
	ProtocolVersion int                      `json:"protocolVersion"`
	Settings        model.Settings           `json:"settings"`
	ActiveThreadsByWorkspace map[int64]int64 `json:"activeThreadsByWorkspace,omitempty"`
}

// SettingsStore persists model.Settings and lightweight UI preferences as JSON under a
// process-private state directory.
type SettingsStore struct {
	path string
}

// NewSettingsStore returns a SettingsStore rooted at stateDir/settings.json, creating
// stateDir if it doesn't exist.
func NewSettingsStore(stateDir string) (*SettingsStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	return &SettingsStore{path: filepath.Join(stateDir, "settings.json")}, nil
}

// Load reads the persisted settings, returning zero-value defaults if the file doesn't
// exist yet (first run).
func (s *SettingsStore) Load() (model.Settings, map[int64]int64, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return model.Settings{}, nil, nil
	}
	if err != nil {
		return model.Settings{}, nil, fmt.Errorf("read settings file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.Settings{}, nil, fmt.Errorf("parse settings file: %w", err)
	}
	return state.Settings, state.ActiveThreadsByWorkspace, nil
}

// Save writes settings and activeThreads to disk atomically (write to a temp file, then
// rename), stamped with the current protocol version.
func (s *SettingsStore) Save(settings model.Settings, activeThreads map[int64]int64) error {
	state := persistedState{
		ProtocolVersion:          CurrentProtocolVersion,
		Settings:                 settings,
		ActiveThreadsByWorkspace: activeThreads,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit settings file: %w", err)
	}
	return nil
}
