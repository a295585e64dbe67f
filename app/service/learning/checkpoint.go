package learning

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const checkpointFileMode = 0o644

// Checkpoint is the pipeline cursor. LastContextTimestamp never moves backwards.
type Checkpoint struct {
	LastContextTimestamp  *string `json:"last_processed_timestamp"`
	LastFeedbackTimestamp *string `json:"last_feedback_timestamp"`
}

type CheckpointStore struct {
	path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Load returns the stored checkpoint, or an empty one if the file is missing or corrupt.
func (c *CheckpointStore) Load() Checkpoint {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("No learning checkpoint yet", "path", c.path)
		return Checkpoint{}
	}
	if err != nil {
		slog.Warn("Failed to read learning checkpoint, starting over", "path", c.path, "error", err)
		return Checkpoint{}
	}

	var cp Checkpoint
	if err = json.Unmarshal(data, &cp); err != nil {
		slog.Warn("Corrupt learning checkpoint, starting over", "path", c.path, "error", err)
		return Checkpoint{}
	}

	return cp
}

// Save replaces the whole record atomically.
func (c *CheckpointStore) Save(cp Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return oops.In("learning").Wrapf(err, "create checkpoint directory")
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return oops.In("learning").Wrapf(err, "encode checkpoint")
	}

	tempFile, err := os.CreateTemp(filepath.Dir(c.path), ".learning-*.json")
	if err != nil {
		return oops.In("learning").Wrapf(err, "create temp checkpoint")
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err = tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return oops.In("learning").Wrapf(err, "write temp checkpoint")
	}

	if err = tempFile.Chmod(checkpointFileMode); err != nil {
		_ = tempFile.Close()
		return oops.In("learning").Wrapf(err, "chmod temp checkpoint")
	}

	if err = tempFile.Close(); err != nil {
		return oops.In("learning").Wrapf(err, "close temp checkpoint")
	}

	if err = os.Rename(tempName, c.path); err != nil {
		return oops.In("learning").Wrapf(err, "replace checkpoint")
	}

	cleanup = false

	return nil
}
