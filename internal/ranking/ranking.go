// Package ranking computes per-outlet metrics, ranks outlets and categorizes their performance.
package ranking

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"orderpipe/internal/model"
)

var ErrUnknownMetric = errors.New("unknown ranking metric")

// Metric selects the ranking order.
type Metric string

const (
	MetricRevenue           Metric = "REVENUE"
	MetricOrders            Metric = "ORDERS"
	MetricAverageOrderValue Metric = "AVERAGE_ORDER_VALUE"
	MetricSatisfaction      Metric = "SATISFACTION"
)

// ParseMetric parses a metric name; empty selects MetricRevenue.
func ParseMetric(s string) (Metric, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.ReplaceAll(n, " ", "_")
	switch m := Metric(n); m {
	case "":
		return MetricRevenue, nil
	case MetricRevenue, MetricOrders, MetricAverageOrderValue, MetricSatisfaction:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

type Category string

const (
	Excellent        Category = "EXCELLENT"
	Good             Category = "GOOD"
	Fair             Category = "FAIR"
	NeedsImprovement Category = "NEEDS_IMPROVEMENT"
)

// Categorize bands an outlet by satisfaction (0-100) and cancellation rate (0-1).
func Categorize(satisfaction, cancellationRate float64) Category {
	switch {
	case satisfaction >= 80 && cancellationRate < 0.05:
		return Excellent
	case satisfaction >= 60 && cancellationRate < 0.10:
		return Good
	case satisfaction >= 40:
		return Fair
	default:
		return NeedsImprovement
	}
}

// Satisfaction is the synthetic score: 70, minus 20 per unit of cancellation rate, plus 5 for
// each spend level (1000, 2000) the average order value exceeds, clamped to [0, 100].
func Satisfaction(cancellationRate, averageOrderValue float64) float64 {
	score := 70 - 20*cancellationRate
	if averageOrderValue > 1000 {
		score += 5
	}
	if averageOrderValue > 2000 {
		score += 5
	}
	return math.Max(0, math.Min(100, score))
}

// OutletMetrics is the per-outlet bundle. Rates are fractions in [0, 1].
type OutletMetrics struct {
	OutletID           string   `json:"outletId"`
	OutletName         string   `json:"outletName,omitempty"`
	Borough            string   `json:"borough,omitempty"`
	Orders             int      `json:"orders"`
	Revenue            float64  `json:"revenue"`
	AverageOrderValue  float64  `json:"averageOrderValue"`
	CompletionRate     float64  `json:"completionRate"`
	CancellationRate   float64  `json:"cancellationRate"`
	AveragePrepMinutes float64  `json:"averagePrepMinutes"`
	AverageItems       float64  `json:"averageItems"`
	PeakHour           int      `json:"peakHour"`
	Satisfaction       float64  `json:"satisfaction"`
	Efficiency         float64  `json:"efficiency"`
	Category           Category `json:"category"`
}

func (m OutletMetrics) value(metric Metric) float64 {
	switch metric {
	case MetricOrders:
		return float64(m.Orders)
	case MetricAverageOrderValue:
		return m.AverageOrderValue
	case MetricSatisfaction:
		return m.Satisfaction
	default:
		return m.Revenue
	}
}

// Efficiency is revenue per hour of mean preparation time; prep below one minute counts as one.
func Efficiency(revenue, avgPrepMinutes float64) float64 {
	return revenue / math.Max(1, avgPrepMinutes) * 60
}

// ComputeMetrics groups a batch by outlet.
func ComputeMetrics(batch []*model.Record) map[string]OutletMetrics {
	groups := make(map[string][]*model.Record)
	for _, r := range batch {
		groups[r.OutletID] = append(groups[r.OutletID], r)
	}
	out := make(map[string]OutletMetrics, len(groups))
	for id, recs := range groups {
		out[id] = outletMetrics(id, recs)
	}
	return out
}

func outletMetrics(id string, recs []*model.Record) OutletMetrics {
	m := OutletMetrics{OutletID: id, Orders: len(recs), PeakHour: -1}
	var completed, cancelled int
	var prep, items stats.Float64Data
	hours := make(map[int]int)
	for _, r := range recs {
		if m.OutletName == "" {
			m.OutletName, m.Borough = r.OutletName, r.OutletBorough
		}
		m.Revenue += r.Total
		if r.Status.Completed() {
			completed++
		}
		if r.Status == model.StatusCancelled {
			cancelled++
		}
		if mins, ok := r.PrepMinutes(); ok {
			prep = append(prep, float64(mins))
		}
		items = append(items, float64(r.NumItems))
		if r.Placed != nil {
			hours[r.Placed.Hour()]++
		}
	}
	n := float64(len(recs))
	m.AverageOrderValue = ratio(m.Revenue, n)
	m.CompletionRate = ratio(float64(completed), n)
	m.CancellationRate = ratio(float64(cancelled), n)
	m.AveragePrepMinutes = mean(prep)
	m.AverageItems = mean(items)
	m.PeakHour = modalHour(hours)
	m.Satisfaction = Satisfaction(m.CancellationRate, m.AverageOrderValue)
	m.Efficiency = Efficiency(m.Revenue, m.AveragePrepMinutes)
	m.Category = Categorize(m.Satisfaction, m.CancellationRate)
	return m
}

// Rank orders outlet ids by metric descending, ties by id ascending.
func Rank(metrics map[string]OutletMetrics, metric Metric) []string {
	ids := make([]string, 0, len(metrics))
	for id := range metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := metrics[ids[i]].value(metric), metrics[ids[j]].value(metric)
		if a != b {
			return a > b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Positions maps ids to 1-based ranks.
func Positions(order []string) map[string]int {
	out := make(map[string]int, len(order))
	for i, id := range order {
		out[id] = i + 1
	}
	return out
}

// Top returns the first n of a ranking.
func Top(order []string, n int) []string {
	if n < 0 || n > len(order) {
		n = len(order)
	}
	return append([]string{}, order[:n]...)
}

// Bottom returns the last n of a ranking, worst first.
func Bottom(order []string, n int) []string {
	if n < 0 || n > len(order) {
		n = len(order)
	}
	out := make([]string, 0, n)
	for i := len(order) - 1; i >= len(order)-n; i-- {
		out = append(out, order[i])
	}
	return out
}

// Summary aggregates the fleet.
type Summary struct {
	TotalRevenue        float64 `json:"totalRevenue"`
	TotalOrders         int     `json:"totalOrders"`
	AverageSatisfaction float64 `json:"averageSatisfaction"`
	OutletCount         int     `json:"outletCount"`
}

// Summarize covers every outlet, or only those of borough when it is non-empty.
func Summarize(metrics map[string]OutletMetrics, borough string) Summary {
	var s Summary
	var sat stats.Float64Data
	for _, m := range metrics {
		if borough != "" && !strings.EqualFold(m.Borough, borough) {
			continue
		}
		s.TotalRevenue += m.Revenue
		s.TotalOrders += m.Orders
		s.OutletCount++
		sat = append(sat, m.Satisfaction)
	}
	s.AverageSatisfaction = mean(sat)
	return s
}

// Insights renders the notable findings of a ranking.
func Insights(metrics map[string]OutletMetrics, order []string, metric Metric) []string {
	out := []string{}
	if len(order) == 0 {
		return out
	}
	out = append(out, fmt.Sprintf("Top performing outlet by %s: %s", strings.ToLower(string(metric)), order[0]))

	var highCancel, lowSat []string
	for _, id := range sortedIDs(metrics) {
		m := metrics[id]
		if m.CancellationRate > 0.10 {
			highCancel = append(highCancel, id)
		}
		if m.Satisfaction < 60 {
			lowSat = append(lowSat, id)
		}
	}
	if len(highCancel) > 0 {
		out = append(out, "Outlets with high cancellation rates (>10%): "+strings.Join(highCancel, ", "))
	}
	if len(lowSat) > 0 {
		out = append(out, "Outlets with low satisfaction scores (<60): "+strings.Join(lowSat, ", "))
	}
	return out
}

// Growth compares revenue and order count in [start, end] with the equally long period before it.
type Growth struct {
	CurrentRevenue  float64 `json:"currentRevenue"`
	PreviousRevenue float64 `json:"previousRevenue"`
	RevenueGrowth   float64 `json:"revenueGrowth"`
	CurrentOrders   int     `json:"currentOrders"`
	PreviousOrders  int     `json:"previousOrders"`
	OrdersGrowth    float64 `json:"ordersGrowth"`
}

// ComputeGrowth returns growth as fractions; a zero previous period yields zero growth.
func ComputeGrowth(batch []*model.Record, start, end time.Time) Growth {
	span := end.Sub(start)
	prevStart := start.Add(-span)
	var g Growth
	for _, r := range batch {
		if r.Placed == nil {
			continue
		}
		p := *r.Placed
		switch {
		case !p.Before(start) && !p.After(end):
			g.CurrentRevenue += r.Total
			g.CurrentOrders++
		case !p.Before(prevStart) && p.Before(start):
			g.PreviousRevenue += r.Total
			g.PreviousOrders++
		}
	}
	if g.PreviousRevenue > 0 {
		g.RevenueGrowth = (g.CurrentRevenue - g.PreviousRevenue) / g.PreviousRevenue
	}
	if g.PreviousOrders > 0 {
		g.OrdersGrowth = float64(g.CurrentOrders-g.PreviousOrders) / float64(g.PreviousOrders)
	}
	return g
}

func modalHour(hours map[int]int) int {
	best, bestN := -1, 0
	for h := 0; h < 24; h++ {
		if hours[h] > bestN {
			best, bestN = h, hours[h]
		}
	}
	return best
}

func mean(d stats.Float64Data) float64 {
	if len(d) == 0 {
		return 0
	}
	m, err := stats.Mean(d)
	if err != nil {
		return 0
	}
	return m
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func sortedIDs(m map[string]OutletMetrics) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
