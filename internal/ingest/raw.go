// Package ingest turns raw order input (JSON lines, CSV exports, Kafka) into pipeline records.
// Input that cannot be parsed goes to the dead-letter collaborator and the batch continues.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"orderpipe/internal/model"
)

// ErrMalformed marks input that cannot become a record.
var ErrMalformed = errors.New("malformed order")

// TimeLayout is the timestamp layout of order exports.
const TimeLayout = "2006-01-02 15:04:05"

// DeadLetters receives rejected input.
type DeadLetters interface {
	Add(raw, reason string)
}

type RawItem struct {
	ItemID     string  `json:"item_id"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price"`
	Category   string  `json:"category"`
	Vegetarian bool    `json:"is_vegetarian"`
	SpiceLevel string  `json:"spice_level"`
}

// RawOrder is one order as exported. Timestamps are local wall-clock text.
type RawOrder struct {
	OrderID        string    `json:"order_id"`
	CustomerID     string    `json:"customer_id"`
	OutletID       string    `json:"outlet_id"`
	OrderPlaced    string    `json:"order_placed"`
	OrderConfirmed string    `json:"order_confirmed"`
	PrepStarted    string    `json:"prep_started"`
	PrepFinished   string    `json:"prep_finished"`
	ServedTime     string    `json:"served_time"`
	Status         string    `json:"status"`
	NumItems       int       `json:"num_items"`
	TotalPrice     float64   `json:"total_price"`
	PaymentMethod  string    `json:"payment_method"`
	Items          []RawItem `json:"items"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Parse validates a raw order. Ids are required; timestamps are optional but must parse when
// present; amounts must be finite. Negative amounts and counts pass through for the normalize
// transformation.
func Parse(raw RawOrder) (*model.Record, error) {
	r := &model.Record{
		OrderID:       strings.TrimSpace(raw.OrderID),
		CustomerID:    strings.TrimSpace(raw.CustomerID),
		OutletID:      strings.TrimSpace(raw.OutletID),
		Status:        model.ParseStatus(raw.Status),
		NumItems:      raw.NumItems,
		Total:         raw.TotalPrice,
		PaymentMethod: strings.TrimSpace(raw.PaymentMethod),
	}
	switch {
	case r.OrderID == "":
		return nil, malformed("missing order_id")
	case r.CustomerID == "":
		return nil, malformed("order %s: missing customer_id", r.OrderID)
	case r.OutletID == "":
		return nil, malformed("order %s: missing outlet_id", r.OrderID)
	}
	if !validAmount(r.Total) {
		return nil, malformed("order %s: invalid total_price %v", r.OrderID, r.Total)
	}

	stamps := []struct {
		name string
		src  string
		dst  **time.Time
	}{
		{"order_placed", raw.OrderPlaced, &r.Placed},
		{"order_confirmed", raw.OrderConfirmed, &r.Confirmed},
		{"prep_started", raw.PrepStarted, &r.PrepStarted},
		{"prep_finished", raw.PrepFinished, &r.PrepFinished},
		{"served_time", raw.ServedTime, &r.Served},
	}
	for _, s := range stamps {
		t, err := ParseTime(s.src)
		if err != nil {
			return nil, malformed("order %s: %s: %v", r.OrderID, s.name, err)
		}
		*s.dst = t
	}

	r.Items = make([]model.LineItem, 0, len(raw.Items))
	for i, it := range raw.Items {
		if strings.TrimSpace(it.ItemID) == "" {
			return nil, malformed("order %s: item %d: missing item_id", r.OrderID, i)
		}
		if !validAmount(it.Price) {
			return nil, malformed("order %s: item %s: invalid price %v", r.OrderID, it.ItemID, it.Price)
		}
		r.Items = append(r.Items, model.LineItem{
			ItemID:     strings.TrimSpace(it.ItemID),
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  it.Price,
			Category:   model.ParseCategory(it.Category),
			Vegetarian: it.Vegetarian,
			SpiceLevel: it.SpiceLevel,
		})
	}
	if r.NumItems == 0 {
		for _, it := range r.Items {
			r.NumItems += it.Quantity
		}
	}
	r.RecomputeTotals()
	return r, nil
}

// ParseTime accepts TimeLayout or RFC 3339. Blank text is an unset timestamp.
func ParseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
