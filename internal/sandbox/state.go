package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateFile = "state.json"

// Record is the persisted trace of the last session, used to clean up a
// container left behind by a crashed process.
type Record struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	PreviewURL string    `json:"preview_url,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func statePath(dir string) string {
	return filepath.Join(dir, stateFile)
}

// LoadRecord reads the session record from dir. A missing file yields nil.
func LoadRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(statePath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	return &r, nil
}

func saveRecord(dir string, r Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	return os.WriteFile(statePath(dir), data, 0o644)
}

// ClearRecord removes the persisted session record.
func ClearRecord(dir string) error {
	if err := os.Remove(statePath(dir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state: %w", err)
	}
	return nil
}
