package pipeline

import (
	"time"

	"orderpipe/internal/model"
)

func at(s string) *time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func order(id, outlet, placed string, total float64, st model.Status) *model.Record {
	r := &model.Record{OrderID: id, OutletID: outlet, CustomerID: "c-" + id, Total: total, Status: st}
	if placed != "" {
		r.Placed = at(placed)
	}
	return r
}

func ids(batch []*model.Record) []string {
	out := make([]string, len(batch))
	for i, r := range batch {
		out[i] = r.OrderID
	}
	return out
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
