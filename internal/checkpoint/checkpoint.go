// Package checkpoint persists frontier snapshots so interrupted runs can
// resume without refetching completed work.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/logger"
)

const (
	// DefaultFileName is the checkpoint file name inside the output directory.
	DefaultFileName = "crawler_checkpoint.json"

	checkpointPerm = 0o644
	dirPerm        = 0o755
)

// ErrVersionMismatch is returned when a checkpoint was written by an
// incompatible format version.
var ErrVersionMismatch = errors.New("checkpoint: unsupported format version")

// Store reads and writes frontier snapshots at a fixed path.
type Store struct {
	path   string
	logger logger.Interface
}

// NewStore creates a checkpoint store writing to path.
func NewStore(path string, log logger.Interface) *Store {
	return &Store{path: path, logger: log}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes the snapshot atomically: the JSON is written to a temporary
// file in the same directory and renamed over the target, so a crash mid-write
// leaves the previous checkpoint intact.
func (s *Store) Save(snap domain.FrontierSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err = os.Chmod(tmpName, checkpointPerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod checkpoint: %w", err)
	}

	if err = os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		"path", s.path,
		"records", len(snap.Records),
		"pending", len(snap.Pending))

	return nil
}

// Load reads the checkpoint. The second return value is false when no
// checkpoint file exists, which is not an error.
func (s *Store) Load() (domain.FrontierSnapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.FrontierSnapshot{}, false, nil
		}
		return domain.FrontierSnapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var snap domain.FrontierSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.FrontierSnapshot{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}

	if snap.Version != 1 {
		return domain.FrontierSnapshot{}, false,
			fmt.Errorf("%w: got %d", ErrVersionMismatch, snap.Version)
	}

	s.logger.Info("Checkpoint loaded",
		"path", s.path,
		"records", len(snap.Records),
		"pending", len(snap.Pending))

	return snap, true, nil
}

// Remove deletes the checkpoint file. Missing files are ignored.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
