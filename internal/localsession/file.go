package localsession

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const sessionFileName = "session.json"

var _ Persister = (*FilePersister)(nil)

// FilePersister keeps the record in a JSON file readable only by the owner.
type FilePersister struct {
	baseDir string
}

// NewFilePersister creates the persister, defaulting to ~/.biopay/.
func NewFilePersister(baseDir string) (*FilePersister, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".biopay")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("local session persister initialized")

	return &FilePersister{baseDir: baseDir}, nil
}

// Path returns the session file location.
func (p *FilePersister) Path() string {
	return filepath.Join(p.baseDir, sessionFileName)
}

// Load reads the record; a missing file yields an empty record.
func (p *FilePersister) Load() (*Record, error) {
	data, err := os.ReadFile(p.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Record{}, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}

	return &rec, nil
}

// Save writes the record atomically.
func (p *FilePersister) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := p.Path()
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}
