package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/vttrelease/internal/fsutil"
)

// State records what the last runs released
type State struct {
	// Digest is the bundle digest of the last successful build
	Digest   string                  `json:"digest"`
	Commit   string                  `json:"commit,omitempty"`
	Releases map[string]ReleaseState `json:"releases"`
}

// ReleaseState is the last successful reconciliation of one tag
type ReleaseState struct {
	Version    string    `json:"version"`
	Digest     string    `json:"digest"`
	Commit     string    `json:"commit,omitempty"`
	URL        string    `json:"url,omitempty"`
	ReleasedAt time.Time `json:"released_at"`
}

// LoadState reads the state file. A missing file is an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Releases: make(map[string]ReleaseState)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Releases == nil {
		state.Releases = make(map[string]ReleaseState)
	}
	return &state, nil
}

// Save writes the state atomically, creating the directory if needed
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	return fsutil.WriteFileAtomic(path, data, 0644)
}
