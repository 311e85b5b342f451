// Package snapshot dumps the aggregate store to <dir>/<id>/state.json and loads it back.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"orderpipe/internal/state"
)

// ErrNotFound is returned by Load for an unknown snapshot id.
var ErrNotFound = errors.New("snapshot not found")

type Snapshotter interface {
	WriteSnapshot(snapshotID string, st state.Store) error
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

// NewID returns a sortable snapshot id for a run sequence.
func NewID(seq int64, at time.Time) string {
	return fmt.Sprintf("sid-%06d-%s", seq, at.UTC().Format("20060102T150405Z"))
}

func (f *FilesystemSnapshotter) path(snapshotID string) string {
	return filepath.Join(f.baseDir, snapshotID, "state.json")
}

func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st state.Store) error {
	if snapshotID == "" {
		return fmt.Errorf("empty snapshot id")
	}
	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dump, err := state.Dump(st)
	if err != nil {
		return fmt.Errorf("dump store: %w", err)
	}
	out, err := os.Create(f.path(snapshotID))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Load reads a snapshot written by WriteSnapshot.
func (f *FilesystemSnapshotter) Load(snapshotID string) (map[string]state.GroupState, error) {
	data, err := os.ReadFile(f.path(snapshotID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var dump map[string]state.GroupState
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}
