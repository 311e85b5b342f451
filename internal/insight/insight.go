// Package insight computes the descriptive batch analyses: when orders arrive, what sells and
// who buys. Every analysis reads the finished batch and never modifies it.
package insight

import (
	"sort"

	"orderpipe/internal/model"
)

const (
	peakHours       = 3
	topItems        = 10
	topPairs        = 10
	underperforming = 5
)

// Unknown labels a segment whose reference data was not resolved.
const Unknown = "UNKNOWN"

// Report bundles the three analyses of one batch. Maps and slices are never nil.
type Report struct {
	Peak     PeakDining   `json:"peak"`
	Menu     Menu         `json:"menu"`
	Segments Segmentation `json:"segments"`
}

// Analyze runs every analysis over batch.
func Analyze(batch []*model.Record) Report {
	return Report{
		Peak:     Peak(batch),
		Menu:     MenuAnalysis(batch),
		Segments: Segments(batch),
	}
}

// Count is a ranked key with an integer measure.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Amount is a ranked key with a monetary measure.
type Amount struct {
	Key    string  `json:"key"`
	Amount float64 `json:"amount"`
}

// topCounts orders by count descending, then key, and keeps at most n.
func topCounts(m map[string]int64, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topAmounts(m map[string]float64, n int) []Amount {
	out := make([]Amount, 0, len(m))
	for k, v := range m {
		out = append(out, Amount{Key: k, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
