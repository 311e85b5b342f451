package insight

import "orderpipe/internal/model"

// Segment is the number of distinct customers in a group and what they spent in the batch.
type Segment struct {
	Customers int     `json:"customers"`
	Spend     float64 `json:"spend"`
}

// Segmentation groups the customers of a batch by loyalty tier, gender and age band.
type Segmentation struct {
	ByTier    map[string]Segment `json:"byTier"`
	ByGender  map[string]Segment `json:"byGender"`
	ByAgeBand map[string]Segment `json:"byAgeBand"`
}

// AgeBand buckets an age. Zero or negative ages are Unknown.
func AgeBand(age int) string {
	switch {
	case age <= 0:
		return Unknown
	case age < 18:
		return "Under 18"
	case age < 25:
		return "18-24"
	case age < 35:
		return "25-34"
	case age < 45:
		return "35-44"
	case age < 55:
		return "45-54"
	default:
		return "55+"
	}
}

// Segments counts each customer once, using the reference data of their first order in the
// batch, and adds every order total to that customer's segments.
func Segments(batch []*model.Record) Segmentation {
	s := Segmentation{
		ByTier:    make(map[string]Segment),
		ByGender:  make(map[string]Segment),
		ByAgeBand: make(map[string]Segment),
	}
	type profile struct{ tier, gender, band string }
	seen := make(map[string]profile)
	for _, r := range batch {
		p, ok := seen[r.CustomerID]
		if !ok {
			p = profile{tier: label(string(r.CustomerTier)), gender: label(string(r.CustomerGender)), band: AgeBand(r.CustomerAge)}
			seen[r.CustomerID] = p
		}
		add(s.ByTier, p.tier, !ok, r.Total)
		add(s.ByGender, p.gender, !ok, r.Total)
		add(s.ByAgeBand, p.band, !ok, r.Total)
	}
	return s
}

func add(m map[string]Segment, key string, first bool, spend float64) {
	seg := m[key]
	if first {
		seg.Customers++
	}
	seg.Spend += spend
	m[key] = seg
}

func label(v string) string {
	if v == "" {
		return Unknown
	}
	return v
}
