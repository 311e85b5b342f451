// Package anomaly flags statistical outliers in a finalized order batch.
package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"orderpipe/internal/model"
)

// Type names a per-record or per-outlet anomaly.
type Type string

const (
	LongPreparationTime      Type = "LONG_PREPARATION_TIME"
	HighValueOrder           Type = "HIGH_VALUE_ORDER"
	OutletPerformanceAnomaly Type = "OUTLET_PERFORMANCE_ANOMALY"
)

// Thresholds configure every dimension.
type Thresholds struct {
	RevenueZ         float64 `koanf:"revenue_z" json:"revenueZ"`
	OrderCountZ      float64 `koanf:"order_count_z" json:"orderCountZ"`
	CancellationRate float64 `koanf:"cancellation_rate" json:"cancellationRate"`
	PaymentShare     float64 `koanf:"payment_share" json:"paymentShare"`
	PrepMinutes      float64 `koanf:"prep_minutes" json:"prepMinutes"`
	HighValueTotal   float64 `koanf:"high_value_total" json:"highValueTotal"`
	OutletDeviation  float64 `koanf:"outlet_deviation" json:"outletDeviation"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RevenueZ:         2.0,
		OrderCountZ:      2.5,
		CancellationRate: 0.15,
		PaymentShare:     0.80,
		PrepMinutes:      60,
		HighValueTotal:   10000,
		OutletDeviation:  0.30,
	}
}

// Validate rejects thresholds that would make a dimension meaningless.
func (t Thresholds) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{"revenue_z", t.RevenueZ}, {"order_count_z", t.OrderCountZ},
		{"cancellation_rate", t.CancellationRate}, {"payment_share", t.PaymentShare},
		{"prep_minutes", t.PrepMinutes}, {"high_value_total", t.HighValueTotal},
		{"outlet_deviation", t.OutletDeviation},
	}
	for _, c := range checks {
		if c.v <= 0 || math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return fmt.Errorf("threshold %s must be positive, got %v", c.name, c.v)
		}
	}
	if t.CancellationRate > 1 || t.PaymentShare > 1 {
		return fmt.Errorf("rate thresholds must be at most 1")
	}
	return nil
}

// ZFinding is a group whose z-score exceeded its threshold.
type ZFinding struct {
	Key    string  `json:"key"`
	Value  float64 `json:"value"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Z      float64 `json:"z"`
}

type RateFinding struct {
	OutletID  string  `json:"outletId"`
	Rate      float64 `json:"rate"`
	Cancelled int     `json:"cancelled"`
	Total     int     `json:"total"`
}

// ShareFinding is a payment method dominating one hour of the day.
type ShareFinding struct {
	Hour   string  `json:"hour"`
	Method string  `json:"method"`
	Share  float64 `json:"share"`
	Count  int     `json:"count"`
	Total  int     `json:"total"`
}

// Anomaly is an individual flagged order or outlet.
type Anomaly struct {
	Type      Type    `json:"type"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	OrderID   string  `json:"orderId,omitempty"`
	OutletID  string  `json:"outletId,omitempty"`
}

func (a Anomaly) Description() string {
	return fmt.Sprintf("%s detected: value=%.2f, threshold=%.2f", a.Type, a.Value, a.Threshold)
}

// Report is the full detector output. Slices are never nil.
type Report struct {
	Revenue         []ZFinding     `json:"revenue"`
	OrderCount      []ZFinding     `json:"orderCount"`
	Cancellation    []RateFinding  `json:"cancellation"`
	Payment         []ShareFinding `json:"payment"`
	Records         []Anomaly      `json:"records"`
	Outlets         []Anomaly      `json:"outlets"`
	Raised          int            `json:"raised"`
	Possible        int            `json:"possible"`
	Score           float64        `json:"score"`
	Recommendations []string       `json:"recommendations"`
}

// Detector evaluates every dimension against its thresholds.
type Detector struct {
	th Thresholds
}

func NewDetector(th Thresholds) *Detector { return &Detector{th: th} }

func (d *Detector) Thresholds() Thresholds { return d.th }

// Detect never fails: degenerate dimensions simply raise nothing.
func (d *Detector) Detect(batch []*model.Record) Report {
	rep := Report{
		Revenue:         []ZFinding{},
		OrderCount:      []ZFinding{},
		Cancellation:    []RateFinding{},
		Payment:         []ShareFinding{},
		Records:         []Anomaly{},
		Outlets:         []Anomaly{},
		Recommendations: []string{},
	}

	var n int
	rep.Revenue, n = zOutliers(sumByKey(batch, dayKey, revenue), d.th.RevenueZ)
	rep.Possible += n
	rep.OrderCount, n = zOutliers(sumByKey(batch, dayHourKey, one), d.th.OrderCountZ)
	rep.Possible += n
	rep.Cancellation, n = d.cancellations(batch)
	rep.Possible += n
	rep.Payment, n = d.paymentConcentration(batch)
	rep.Possible += n
	rep.Records, n = d.recordAnomalies(batch)
	rep.Possible += n
	rep.Outlets, n = d.outletOutliers(batch)
	rep.Possible += n

	rep.Raised = len(rep.Revenue) + len(rep.OrderCount) + len(rep.Cancellation) +
		len(rep.Payment) + len(rep.Records) + len(rep.Outlets)
	if rep.Possible > 0 {
		rep.Score = 100 * float64(rep.Raised) / float64(rep.Possible)
	}
	rep.Recommendations = recommend(rep)
	return rep
}

func revenue(r *model.Record) float64 { return r.Total }
func one(*model.Record) float64 { return 1 }

func dayKey(r *model.Record) (string, bool) {
	if r.Placed == nil {
		return "", false
	}
	return r.Placed.Format("2006-01-02"), true
}

func dayHourKey(r *model.Record) (string, bool) {
	if r.Placed == nil {
		return "", false
	}
	return r.Placed.Format("2006-01-02 15") + ":00", true
}

func hourKey(r *model.Record) (string, bool) {
	if r.Placed == nil {
		return "", false
	}
	return fmt.Sprintf("%02d:00", r.Placed.Hour()), true
}

func sumByKey(batch []*model.Record, key func(*model.Record) (string, bool), val func(*model.Record) float64) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range batch {
		if k, ok := key(r); ok {
			out[k] += val(r)
		}
	}
	return out
}

// zOutliers flags groups whose |z| exceeds threshold. It returns the number of groups
// evaluated, which is zero for fewer than two groups or a zero spread.
func zOutliers(groups map[string]float64, threshold float64) ([]ZFinding, int) {
	found := []ZFinding{}
	if len(groups) < 2 {
		return found, 0
	}
	keys := sortedKeys(groups)
	values := make(stats.Float64Data, 0, len(keys))
	for _, k := range keys {
		values = append(values, groups[k])
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return found, 0
	}
	sd, err := stats.StandardDeviationPopulation(values)
	if err != nil || sd == 0 {
		return found, 0
	}
	for _, k := range keys {
		z := math.Abs(groups[k]-mean) / sd
		if z > threshold {
			found = append(found, ZFinding{Key: k, Value: groups[k], Mean: mean, StdDev: sd, Z: z})
		}
	}
	return found, len(keys)
}

func (d *Detector) cancellations(batch []*model.Record) ([]RateFinding, int) {
	total := make(map[string]int)
	cancelled := make(map[string]int)
	for _, r := range batch {
		total[r.OutletID]++
		if r.Status == model.StatusCancelled {
			cancelled[r.OutletID]++
		}
	}
	found := []RateFinding{}
	for _, id := range sortedKeys(total) {
		rate := ratio(float64(cancelled[id]), float64(total[id]))
		if rate > d.th.CancellationRate {
			found = append(found, RateFinding{OutletID: id, Rate: rate, Cancelled: cancelled[id], Total: total[id]})
		}
	}
	return found, len(total)
}

func (d *Detector) paymentConcentration(batch []*model.Record) ([]ShareFinding, int) {
	byHour := make(map[string]map[string]int)
	hourTotal := make(map[string]int)
	for _, r := range batch {
		h, ok := hourKey(r)
		if !ok {
			continue
		}
		if byHour[h] == nil {
			byHour[h] = make(map[string]int)
		}
		byHour[h][r.PaymentMethod]++
		hourTotal[h]++
	}
	found := []ShareFinding{}
	evaluated := 0
	for _, h := range sortedKeys(byHour) {
		methods := byHour[h]
		for _, m := range sortedKeys(methods) {
			evaluated++
			share := ratio(float64(methods[m]), float64(hourTotal[h]))
			if share > d.th.PaymentShare {
				found = append(found, ShareFinding{Hour: h, Method: m, Share: share, Count: methods[m], Total: hourTotal[h]})
			}
		}
	}
	return found, evaluated
}

func (d *Detector) recordAnomalies(batch []*model.Record) ([]Anomaly, int) {
	found := []Anomaly{}
	evaluated := 0
	for _, r := range batch {
		if mins, ok := r.PrepMinutes(); ok {
			evaluated++
			if float64(mins) > d.th.PrepMinutes {
				found = append(found, Anomaly{Type: LongPreparationTime, Value: float64(mins), Threshold: d.th.PrepMinutes, OrderID: r.OrderID, OutletID: r.OutletID})
			}
		}
		evaluated++
		if r.Total > d.th.HighValueTotal {
			found = append(found, Anomaly{Type: HighValueOrder, Value: r.Total, Threshold: d.th.HighValueTotal, OrderID: r.OrderID, OutletID: r.OutletID})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].OrderID != found[j].OrderID {
			return found[i].OrderID < found[j].OrderID
		}
		return found[i].Type < found[j].Type
	})
	return found, evaluated
}

// outletOutliers compares each outlet's mean order value with the mean of outlet means.
func (d *Detector) outletOutliers(batch []*model.Record) ([]Anomaly, int) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range batch {
		sums[r.OutletID] += r.Total
		counts[r.OutletID]++
	}
	found := []Anomaly{}
	if len(counts) < 2 {
		return found, 0
	}
	ids := sortedKeys(counts)
	means := make(map[string]float64, len(ids))
	fleet := make(stats.Float64Data, 0, len(ids))
	for _, id := range ids {
		means[id] = ratio(sums[id], float64(counts[id]))
		fleet = append(fleet, means[id])
	}
	fleetMean, err := stats.Mean(fleet)
	if err != nil || fleetMean == 0 {
		return found, 0
	}
	for _, id := range ids {
		if math.Abs(means[id]-fleetMean)/math.Abs(fleetMean) > d.th.OutletDeviation {
			found = append(found, Anomaly{Type: OutletPerformanceAnomaly, Value: means[id], Threshold: fleetMean, OutletID: id})
		}
	}
	return found, len(ids)
}

func recommend(rep Report) []string {
	out := []string{}
	if len(rep.Revenue) > 0 {
		out = append(out, "Investigate revenue anomalies on high-variance days")
	}
	if len(rep.Cancellation) > 0 {
		out = append(out, "Review cancellation policies for outlets with high cancellation rates")
	}
	if len(rep.Records) > 0 {
		out = append(out, "Monitor orders with unusually long preparation times")
	}
	if rep.Score > 50 {
		out = append(out, "Consider implementing real-time anomaly monitoring system")
	}
	return out
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
