// Package deadletter buffers raw input that could not be ingested and flushes it to a sink.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"orderpipe/internal/sink"
)

type Entry struct {
	Raw    string    `json:"raw"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Queue is a bounded dead-letter buffer. Reaching the flush threshold flushes synchronously
// from Add; when the buffer is full, the oldest entries are dropped and counted.
type Queue struct {
	mu        sync.Mutex
	buf       []Entry
	capacity  int
	threshold int
	added     int64
	dropped   int64
	flushed   int64
	seq       int64
	closed    bool

	w      sink.Writer
	runID  string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a queue writing to w. A nil w discards flushed entries.
// threshold <= 0 disables threshold flushes.
func New(w sink.Writer, capacity, threshold int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if threshold > capacity {
		threshold = capacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	if w == nil {
		w = sink.Discard{}
	}
	return &Queue{capacity: capacity, threshold: threshold, w: w, logger: logger, now: time.Now}
}

// SetRunID tags subsequently flushed envelopes.
func (q *Queue) SetRunID(id string) {
	q.mu.Lock()
	q.runID = id
	q.mu.Unlock()
}

// Add records one rejected input.
func (q *Queue) Add(raw, reason string) {
	q.mu.Lock()
	if q.closed {
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("dead letter after close", "reason", reason)
		return
	}
	q.added++
	q.push(Entry{Raw: raw, Reason: reason, At: q.now()})
	full := q.threshold > 0 && len(q.buf) >= q.threshold
	q.mu.Unlock()

	if full {
		if err := q.Flush(context.Background()); err != nil {
			q.logger.Warn("dead letter flush failed", "err", err)
		}
	}
}

// push appends e, evicting the oldest entry when at capacity. Caller holds mu.
func (q *Queue) push(e Entry) {
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, e)
}

// Flush writes all buffered entries. Entries that could not be written are put back.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	pending := q.buf
	q.buf = nil
	runID := q.runID
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	for i, e := range pending {
		env, err := q.envelope(runID, e)
		if err == nil {
			err = q.w.Write(ctx, env)
		}
		if err != nil {
			q.requeue(pending[i:])
			return fmt.Errorf("flush dead letters: %w", err)
		}
		q.mu.Lock()
		q.flushed++
		q.mu.Unlock()
	}
	q.logger.Info("dead letters flushed", "count", len(pending))
	return nil
}

func (q *Queue) envelope(runID string, e Entry) (sink.Envelope, error) {
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.mu.Unlock()
	return sink.NewEnvelope(sink.KindDeadLetter, strconv.FormatInt(seq, 10), runID, seq, e)
}

// requeue puts unwritten entries back ahead of anything added during the flush.
func (q *Queue) requeue(rest []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := append(append([]Entry{}, rest...), q.buf...)
	if over := len(merged) - q.capacity; over > 0 {
		merged = merged[over:]
		q.dropped += int64(over)
	}
	q.buf = merged
}

// Close flushes what is left; later Adds are counted as dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Added    int64 `json:"added"`
	Flushed  int64 `json:"flushed"`
	Dropped  int64 `json:"dropped"`
	Buffered int   `json:"buffered"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Added: q.added, Flushed: q.flushed, Dropped: q.dropped, Buffered: len(q.buf)}
}

// Entries returns a copy of the buffered entries.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.buf...)
}
