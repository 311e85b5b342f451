package pipeline

import (
	"context"
	"time"

	"orderpipe/internal/model"
)

// Time-of-day buckets.
const (
	Morning   = "MORNING"
	Lunch     = "LUNCH"
	Afternoon = "AFTERNOON"
	Dinner    = "DINNER"
	LateNight = "LATE_NIGHT"
)

// EngineerFeatures computes the batch-wide means first, then the per-record features.
func EngineerFeatures(ctx context.Context, batch []*model.Record, s Settings) ([]*model.Record, error) {
	outletMean := meanBy(batch, func(r *model.Record) string { return r.OutletID })
	customerMean := meanBy(batch, func(r *model.Record) string { return r.CustomerID })

	return batch, eachRecord(ctx, batch, s, func(r *model.Record) {
		if m, ok := outletMean[r.OutletID]; ok {
			r.HighValue = r.Total > m*s.HighValueFactor
		}
		if m, ok := customerMean[r.CustomerID]; ok {
			r.FrequentCustomer = m > s.FrequentCustomerThreshold
		}
		r.Complexity = Complexity(r)

		r.HasBeverage, r.HasDessert = false, false
		veg := len(r.Items) > 0
		for _, it := range r.Items {
			switch it.Category {
			case model.CategoryBeverage:
				r.HasBeverage = true
			case model.CategoryDessert:
				r.HasDessert = true
			}
			veg = veg && it.Vegetarian
		}
		r.VegetarianOrder = veg

		if r.Placed != nil {
			r.TimeOfDay = TimeOfDay(r.Placed.Hour())
			r.Season = Season(r.Placed.Month())
			r.Holiday = Holiday(*r.Placed)
		}
	})
}

func meanBy(batch []*model.Record, key func(*model.Record) string) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range batch {
		k := key(r)
		sums[k] += r.Total
		counts[k]++
	}
	for k, n := range counts {
		sums[k] /= float64(n)
	}
	return sums
}

// Complexity scores an order from its item count, category spread and special items.
func Complexity(r *model.Record) int {
	score := 0
	switch {
	case r.NumItems > 5:
		score += 2
	case r.NumItems > 3:
		score++
	}

	cats := make(map[model.Category]struct{}, len(r.Items))
	special := false
	for _, it := range r.Items {
		cats[it.Category] = struct{}{}
		if it.Spicy() || it.Vegetarian {
			special = true
		}
	}
	switch {
	case len(cats) > 3:
		score += 2
	case len(cats) > 2:
		score++
	}
	if special {
		score++
	}
	return score
}

func TimeOfDay(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return Morning
	case hour >= 12 && hour < 15:
		return Lunch
	case hour >= 15 && hour < 18:
		return Afternoon
	case hour >= 18 && hour < 22:
		return Dinner
	default:
		return LateNight
	}
}

func Season(m time.Month) string {
	switch {
	case m >= time.March && m <= time.May:
		return "SPRING"
	case m >= time.June && m <= time.August:
		return "SUMMER"
	case m >= time.September && m <= time.November:
		return "AUTUMN"
	default:
		return "WINTER"
	}
}

// Holiday reports the fixed-date holidays: New Year, the April new year and Christmas.
func Holiday(t time.Time) bool {
	m, d := t.Month(), t.Day()
	return (m == time.January && d == 1) ||
		(m == time.April && (d == 13 || d == 14)) ||
		(m == time.December && d == 25)
}
