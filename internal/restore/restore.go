// Package restore rebuilds the aggregate store at startup: latest snapshot, then changelog replay.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"orderpipe/internal/manifest"
	"orderpipe/internal/sink"
	"orderpipe/internal/snapshot"
	"orderpipe/internal/state"
)

// SnapshotLoader reads a snapshot dump by id.
type SnapshotLoader interface {
	Load(snapshotID string) (map[string]state.GroupState, error)
}

type Restorer struct {
	stateStore     state.Store
	snapshots      SnapshotLoader
	manifestReader manifest.Reader
	changelogPath  string
	logger         *slog.Logger
}

func NewRestorer(st state.Store, snaps SnapshotLoader, mr manifest.Reader, changelogPath string, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{
		stateStore:     st,
		snapshots:      snaps,
		manifestReader: mr,
		changelogPath:  changelogPath,
		logger:         logger,
	}
}

// RestoreResult counts replayed aggregate deltas. MaxSeq is the highest run sequence seen in
// the replayed envelopes.
type RestoreResult struct {
	Applied int
	Skipped int
	MaxSeq  int64
	Error   error
}

// Outcome is what startup needs to continue: the manifest it restored from and the run
// sequence to continue after.
type Outcome struct {
	Manifest     manifest.Manifest
	FirstRun     bool
	SnapshotKeys int
	Replay       RestoreResult
}

// NextSeqAfter is the sequence the next run must exceed.
func (o Outcome) NextSeqAfter() int64 {
	return max(o.Manifest.RunSeq, o.Replay.MaxSeq)
}

// RestoreFromSnapshot replaces the store with a snapshot. A missing snapshot is skipped.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) (int, error) {
	if snapshotID == "" || r.snapshots == nil {
		return 0, nil
	}
	dump, err := r.snapshots.Load(snapshotID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			r.logger.Warn("restore: snapshot not found, skipping", "snapshot", snapshotID)
			return 0, nil
		}
		return 0, err
	}
	if err := r.stateStore.LoadAll(dump); err != nil {
		return 0, fmt.Errorf("load store: %w", err)
	}
	r.logger.Info("restore: loaded snapshot", "keys", len(dump), "snapshot", snapshotID)
	return len(dump), nil
}

func (r *Restorer) apply(e sink.Envelope, res *RestoreResult) error {
	if e.Kind != sink.KindAggregate {
		return nil
	}
	var d state.Delta
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return fmt.Errorf("unmarshal delta %s: %w", e.Key, err)
	}
	ok, _, err := r.stateStore.Apply(e.Key, d.Count, d.Sum, e.Seq)
	if err != nil {
		return fmt.Errorf("apply %s: %w", e.Key, err)
	}
	if ok {
		res.Applied++
	} else {
		res.Skipped++
	}
	res.MaxSeq = max(res.MaxSeq, e.Seq)
	return nil
}

// ReplayChangelog applies the aggregate envelopes of a JSONL changelog, skipping the first
// fromOffset lines. Envelopes of other kinds are ignored.
func (r *Restorer) ReplayChangelog(changelogPath string, fromOffset int64) RestoreResult {
	var res RestoreResult
	line := int64(0)
	err := sink.ReadFile(changelogPath, func(e sink.Envelope) error {
		line++
		if line <= fromOffset {
			return nil
		}
		return r.apply(e, &res)
	})
	if err != nil {
		res.Error = fmt.Errorf("replay changelog: %w", err)
	}
	return res
}

// ReplayChangelogKafka consumes envelopes from partition 0 of a topic until it has been idle
// for the wait period. fromOffset is a message index.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, fromOffset int64, wait time.Duration) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()

	var res RestoreResult
	idx := int64(0)
	for {
		readCtx, cancel := context.WithTimeout(ctx, wait)
		m, err := rd.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if readCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			res.Error = fmt.Errorf("read kafka: %w", err)
			return res
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var e sink.Envelope
		if err := json.Unmarshal(m.Value, &e); err != nil {
			res.Error = fmt.Errorf("unmarshal envelope: %w", err)
			return res
		}
		if err := r.apply(e, &res); err != nil {
			res.Error = err
			return res
		}
	}
	return res
}

// RestoreAndReplay restores the latest snapshot and replays the file changelog after it.
// Without a manifest the whole changelog is replayed onto the current store.
func (r *Restorer) RestoreAndReplay(ctx context.Context) (Outcome, error) {
	var out Outcome
	m, err := r.manifestReader.ReadLatest(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		out.FirstRun = true
		r.logger.Info("restore: no manifest, first run")
	case err != nil:
		return out, fmt.Errorf("read manifest: %w", err)
	default:
		out.Manifest = m
		n, err := r.RestoreFromSnapshot(m.SnapshotID)
		if err != nil {
			return out, fmt.Errorf("restore snapshot: %w", err)
		}
		out.SnapshotKeys = n
	}

	if r.changelogPath == "" {
		return out, nil
	}
	out.Replay = r.ReplayChangelog(r.changelogPath, out.Manifest.ChangelogOffset)
	if out.Replay.Error != nil {
		return out, out.Replay.Error
	}
	r.logger.Info("restore: changelog replayed", "applied", out.Replay.Applied, "skipped", out.Replay.Skipped)
	return out, nil
}
