package insight

import (
	"sort"
	"strings"

	"orderpipe/internal/model"
)

// PeakDining is the order volume by time of placement.
type PeakDining struct {
	OrdersByHour  map[int]int64    `json:"ordersByHour"`
	OrdersByDay   map[string]int64 `json:"ordersByDay"`
	OrdersByMonth map[string]int64 `json:"ordersByMonth"`
	TotalOrders   int              `json:"totalOrders"`
	TotalRevenue  float64          `json:"totalRevenue"`
	// PeakHours holds the busiest hours, busiest first; ties go to the earlier hour.
	PeakHours []int `json:"peakHours"`
}

// Peak counts orders per hour, weekday and month of placement. Orders without a placement
// time still count toward the totals.
func Peak(batch []*model.Record) PeakDining {
	p := PeakDining{
		OrdersByHour:  make(map[int]int64),
		OrdersByDay:   make(map[string]int64),
		OrdersByMonth: make(map[string]int64),
		TotalOrders:   len(batch),
		PeakHours:     []int{},
	}
	for _, r := range batch {
		p.TotalRevenue += r.Total
		if r.Placed == nil {
			continue
		}
		p.OrdersByHour[r.Placed.Hour()]++
		p.OrdersByDay[strings.ToUpper(r.Placed.Weekday().String())]++
		p.OrdersByMonth[strings.ToUpper(r.Placed.Month().String())]++
	}

	hours := make([]int, 0, len(p.OrdersByHour))
	for h := range p.OrdersByHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		ci, cj := p.OrdersByHour[hours[i]], p.OrdersByHour[hours[j]]
		if ci != cj {
			return ci > cj
		}
		return hours[i] < hours[j]
	})
	if len(hours) > peakHours {
		hours = hours[:peakHours]
	}
	p.PeakHours = append(p.PeakHours, hours...)
	return p
}
