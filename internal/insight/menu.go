package insight

import (
	"sort"
	"strings"

	"orderpipe/internal/model"
)

// Menu is item and category performance over the line items of a batch.
type Menu struct {
	TopSelling       []Count                     `json:"topSelling"`
	TopRevenue       []Amount                    `json:"topRevenue"`
	CategoryQuantity map[model.Category]int64    `json:"categoryQuantity"`
	CategoryRevenue  map[model.Category]float64  `json:"categoryRevenue"`
	FrequentPairs    []Count                     `json:"frequentPairs"`
	Seasonal         map[string]map[string]int64 `json:"seasonal"`
	TotalItemsSold   int64                       `json:"totalItemsSold"`
	TotalRevenue     float64                     `json:"totalRevenue"`
	AvgItemsPerOrder float64                     `json:"avgItemsPerOrder"`
	Underperforming  []string                    `json:"underperforming"`
}

// MenuAnalysis ranks items by quantity and revenue, totals categories, counts item pairs
// ordered together and lists items selling under half the average quantity.
func MenuAnalysis(batch []*model.Record) Menu {
	m := Menu{
		CategoryQuantity: make(map[model.Category]int64),
		CategoryRevenue:  make(map[model.Category]float64),
		Seasonal:         make(map[string]map[string]int64),
		Underperforming:  []string{},
	}
	qty := make(map[string]int64)
	revenue := make(map[string]float64)
	pairs := make(map[string]int64)

	for _, r := range batch {
		ids := make([]string, 0, len(r.Items))
		var month map[string]int64
		if r.Placed != nil {
			name := strings.ToUpper(r.Placed.Month().String())
			if month = m.Seasonal[name]; month == nil {
				month = make(map[string]int64)
				m.Seasonal[name] = month
			}
		}
		for _, it := range r.Items {
			q := int64(it.Quantity)
			qty[it.ItemID] += q
			revenue[it.ItemID] += it.Total()
			m.CategoryQuantity[it.Category] += q
			m.CategoryRevenue[it.Category] += it.Total()
			m.TotalItemsSold += q
			m.TotalRevenue += it.Total()
			if month != nil {
				month[it.ItemID] += q
			}
			ids = append(ids, it.ItemID)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				pairs[ids[i]+" & "+ids[j]]++
			}
		}
	}

	m.TopSelling = topCounts(qty, topItems)
	m.TopRevenue = topAmounts(revenue, topItems)
	m.FrequentPairs = topCounts(pairs, topPairs)
	if len(batch) > 0 {
		m.AvgItemsPerOrder = float64(m.TotalItemsSold) / float64(len(batch))
	}
	if len(qty) > 0 {
		// integer average, as the threshold is a whole number of units
		avg := m.TotalItemsSold / int64(len(qty))
		ids := make([]string, 0, len(qty))
		for id := range qty {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if float64(qty[id]) < float64(avg)*0.5 {
				m.Underperforming = append(m.Underperforming, id)
				if len(m.Underperforming) == underperforming {
					break
				}
			}
		}
	}
	return m
}
