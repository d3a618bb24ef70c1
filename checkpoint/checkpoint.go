// Package checkpoint persists run progress so an interrupted run resumes
// where it left off instead of starting over. The checkpoint file is
// replaced atomically on every advance, so a crash leaves either the old
// or the new state on disk, never a torn one.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"phimask.evalgo.org/common"
)

// Checkpoint is the durable progress record for one collection run.
// LastKey is the highest document id whose batch, and every batch before
// it, has been committed.
type Checkpoint struct {
	Collection string    `json:"collection"`
	RunID      string    `json:"runId"`
	LastKey    string    `json:"lastKey"`
	Count      int64     `json:"count"`
	Done       bool      `json:"done"`
	UpdatedAt  time.Time `json:"ts"`
}

// FileStore reads and writes checkpoints under an exclusive run lock.
// The lock prevents two runs from advancing the same checkpoint at once.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore returns a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

// Acquire takes the run lock without blocking. A held lock means another
// run is active against the same checkpoint.
func (s *FileStore) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("preparing checkpoint directory: %w", err)
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("run lock %s is held by another process", s.lock.Path())
	}
	return nil
}

// Release drops the run lock.
func (s *FileStore) Release() error {
	return s.lock.Unlock()
}

// Load reads the current checkpoint. A missing file returns (nil, nil).
// A malformed file is treated as absent after a warning, so a corrupted
// checkpoint degrades to a fresh start rather than a refusal.
func (s *FileStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", s.path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		common.Logger.WithFields(logrus.Fields{
			"path":  s.path,
			"error": err.Error(),
		}).Warn("checkpoint file is malformed, starting fresh")
		return nil, nil
	}
	return &cp, nil
}

// Save replaces the checkpoint atomically.
func (s *FileStore) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", s.path, err)
	}
	return nil
}

// Reset removes the checkpoint file so the next run starts from the
// beginning of the collection.
func (s *FileStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing checkpoint %s: %w", s.path, err)
	}
	return nil
}
