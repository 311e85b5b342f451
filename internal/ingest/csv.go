package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"orderpipe/internal/model"
)

// Columns of the flat export: one row per ordered item, order columns repeated.
var requiredColumns = []string{"order_id", "customer_id", "outlet_id", "order_placed", "total_price"}

// ReadCSV reads a flat export and folds item rows into orders, in order of first appearance.
// A bad row rejects its whole order.
func ReadCSV(r io.Reader, dl DeadLetters) ([]*model.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing required column %q", c)
		}
	}
	get := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var order []string
	raws := make(map[string]*RawOrder)
	rows := make(map[string][]string)
	bad := make(map[string]string)
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				dl.Add(strings.Join(row, ","), fmt.Sprintf("line %d: %v", line, err))
				continue
			}
			return nil, fmt.Errorf("read orders: %w", err)
		}
		text := strings.Join(row, ",")
		id := get(row, "order_id")
		if id == "" {
			dl.Add(text, fmt.Sprintf("line %d: %v: missing order_id", line, ErrMalformed))
			continue
		}
		ro, seen := raws[id]
		if !seen {
			ro = &RawOrder{
				OrderID:        id,
				CustomerID:     get(row, "customer_id"),
				OutletID:       get(row, "outlet_id"),
				OrderPlaced:    get(row, "order_placed"),
				OrderConfirmed: get(row, "order_confirmed"),
				PrepStarted:    get(row, "prep_started"),
				PrepFinished:   get(row, "prep_finished"),
				ServedTime:     get(row, "served_time"),
				Status:         get(row, "status"),
				PaymentMethod:  get(row, "payment_method"),
			}
			raws[id] = ro
			order = append(order, id)
			if ro.NumItems, err = optInt(get(row, "num_items")); err != nil {
				bad[id] = fmt.Sprintf("line %d: num_items: %v", line, err)
			}
			if ro.TotalPrice, err = optFloat(get(row, "total_price")); err != nil {
				bad[id] = fmt.Sprintf("line %d: total_price: %v", line, err)
			}
		}
		rows[id] = append(rows[id], text)
		if itemID := get(row, "item_id"); itemID != "" {
			it := RawItem{
				ItemID:     itemID,
				Name:       get(row, "item_name"),
				Category:   get(row, "category"),
				SpiceLevel: get(row, "spice_level"),
			}
			var qerr, perr error
			it.Quantity, qerr = optInt(get(row, "quantity"))
			it.Price, perr = optFloat(get(row, "item_price"))
			if err := errors.Join(qerr, perr); err != nil {
				bad[id] = fmt.Sprintf("line %d: item %s: %v", line, itemID, err)
			}
			it.Vegetarian, _ = strconv.ParseBool(get(row, "is_vegetarian"))
			ro.Items = append(ro.Items, it)
		}
	}

	out := make([]*model.Record, 0, len(order))
	for _, id := range order {
		raw := strings.Join(rows[id], "\n")
		if reason, ok := bad[id]; ok {
			dl.Add(raw, fmt.Sprintf("%v: %s", ErrMalformed, reason))
			continue
		}
		rec, err := Parse(*raws[id])
		if err != nil {
			dl.Add(raw, err.Error())
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func optInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func optFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
