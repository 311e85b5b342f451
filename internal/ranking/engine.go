package ranking

import "orderpipe/internal/model"

// Report is the ranking output for one batch. Maps and slices are never nil.
type Report struct {
	Metric     Metric                   `json:"metric"`
	Outlets    map[string]OutletMetrics `json:"outlets"`
	Order      []string                 `json:"order"`
	Ranks      map[string]int           `json:"ranks"`
	Top        []string                 `json:"top"`
	Bottom     []string                 `json:"bottom"`
	Efficiency map[string]float64       `json:"efficiency"`
	Insights   []string                 `json:"insights"`
	Summary    Summary                  `json:"summary"`
}

// Engine ranks outlets by a fixed metric.
type Engine struct {
	metric Metric
	n      int
}

// NewEngine validates the metric name; topN bounds the top and bottom lists.
func NewEngine(metric string, topN int) (*Engine, error) {
	m, err := ParseMetric(metric)
	if err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = 5
	}
	return &Engine{metric: m, n: topN}, nil
}

func (e *Engine) Metric() Metric { return e.metric }

func (e *Engine) Analyze(batch []*model.Record) Report {
	metrics := ComputeMetrics(batch)
	order := Rank(metrics, e.metric)
	eff := make(map[string]float64, len(metrics))
	for id, m := range metrics {
		eff[id] = m.Efficiency
	}
	return Report{
		Metric:     e.metric,
		Outlets:    metrics,
		Order:      order,
		Ranks:      Positions(order),
		Top:        Top(order, e.n),
		Bottom:     Bottom(order, e.n),
		Efficiency: eff,
		Insights:   Insights(metrics, order, e.metric),
		Summary:    Summarize(metrics, ""),
	}
}
