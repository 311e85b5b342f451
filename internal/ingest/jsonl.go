package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"orderpipe/internal/model"
)

// ReadJSONL parses one RawOrder per line. Malformed lines go to dl; a read failure is fatal.
func ReadJSONL(r io.Reader, dl DeadLetters) ([]*model.Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var out []*model.Record
	line := 0
	for s.Scan() {
		line++
		b := s.Bytes()
		if len(b) == 0 {
			continue
		}
		rec, err := decode(b)
		if err != nil {
			dl.Add(string(b), fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		out = append(out, rec)
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read orders: %w", err)
	}
	return out, nil
}

// ReadFile opens path and reads it as JSON lines, or as CSV when the name ends in .csv.
func ReadFile(path string, dl DeadLetters) ([]*model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ReadCSV(f, dl)
	}
	return ReadJSONL(f, dl)
}

func decode(b []byte) (*model.Record, error) {
	var raw RawOrder
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Parse(raw)
}
