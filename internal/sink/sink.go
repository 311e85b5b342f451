// Package sink publishes pipeline output (aggregate deltas, findings, dead letters) as envelopes.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Envelope kinds.
const (
	KindAggregate  = "aggregate"
	KindAnomaly    = "anomaly"
	KindRanking    = "ranking"
	KindInsight    = "insight"
	KindDeadLetter = "deadletter"
	KindRun        = "run"
)

type Envelope struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	RunID   string          `json:"runId,omitempty"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// NewEnvelope marshals payload and stamps the current time in unix milliseconds.
func NewEnvelope(kind, key, runID string, seq int64, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Key: key, RunID: runID, Seq: seq, Payload: b, TS: time.Now().UnixMilli()}, nil
}

type Writer interface {
	Write(ctx context.Context, e Envelope) error
}

// MultiWriter fans out writes to multiple underlying writers. The first error stops the fan-out.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Write(ctx context.Context, e Envelope) error {
	for _, w := range m.writers {
		if err := w.Write(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops every envelope.
type Discard struct{}

func (Discard) Write(context.Context, Envelope) error { return nil }

// FileWriter appends envelopes as JSON lines.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Write(_ context.Context, e Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// ReadFile calls fn for every envelope in a JSONL file. A missing file has no envelopes.
func ReadFile(path string, fn func(Envelope) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for s.Scan() {
		line++
		if len(s.Bytes()) == 0 {
			continue
		}
		var e Envelope
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			return fmt.Errorf("decode line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}
