package model

import (
	"math"
	"strings"
	"time"
)

// Customer is reference data resolved during enrichment.
type Customer struct {
	ID         string     `json:"customerId" bson:"_id"`
	Name       string     `json:"name" bson:"name"`
	ContactNo  string     `json:"contactNo,omitempty" bson:"contact_no"`
	Gender     Gender     `json:"gender" bson:"gender"`
	Age        int        `json:"age" bson:"age"`
	JoinDate   *time.Time `json:"joinDate,omitempty" bson:"join_date"`
	TotalSpent float64    `json:"totalSpent" bson:"total_spent"`
}

// Tier is computed from TotalSpent on every call.
func (c Customer) Tier() LoyaltyTier { return TierForSpend(c.TotalSpent) }

type MenuItem struct {
	ID         string   `json:"itemId" bson:"_id"`
	Name       string   `json:"name" bson:"name"`
	Category   Category `json:"category" bson:"category"`
	Price      float64  `json:"price" bson:"price"`
	Vegetarian bool     `json:"vegetarian" bson:"vegetarian"`
	SpiceLevel string   `json:"spiceLevel,omitempty" bson:"spice_level"`
}

type Outlet struct {
	ID       string     `json:"outletId" bson:"_id"`
	Name     string     `json:"name" bson:"name"`
	Borough  string     `json:"borough" bson:"borough"`
	Capacity int        `json:"capacity" bson:"capacity"`
	Opened   *time.Time `json:"opened,omitempty" bson:"opened"`
}

// LineItem is one ordered menu item.
type LineItem struct {
	ItemID     string   `json:"itemId"`
	Name       string   `json:"name,omitempty"`
	Quantity   int      `json:"quantity"`
	UnitPrice  float64  `json:"unitPrice"`
	Category   Category `json:"category"`
	Vegetarian bool     `json:"vegetarian"`
	SpiceLevel string   `json:"spiceLevel,omitempty"`
}

// Total returns quantity × unit price.
func (li LineItem) Total() float64 { return float64(li.Quantity) * li.UnitPrice }

// Spicy reports medium or high spice.
func (li LineItem) Spicy() bool {
	s := strings.ToLower(strings.TrimSpace(li.SpiceLevel))
	return s == "high" || s == "medium"
}

// Record is one order as it flows through the pipeline. Ingestion fills the source fields;
// enrichment and transformation only add to it.
type Record struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	OutletID   string `json:"outletId"`

	Placed       *time.Time `json:"placed,omitempty"`
	Confirmed    *time.Time `json:"confirmed,omitempty"`
	PrepStarted  *time.Time `json:"prepStarted,omitempty"`
	PrepFinished *time.Time `json:"prepFinished,omitempty"`
	Served       *time.Time `json:"served,omitempty"`

	Status        Status     `json:"status"`
	NumItems      int        `json:"numItems"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"paymentMethod"`
	Items         []LineItem `json:"items"`

	// Reference data.
	CustomerName     string      `json:"customerName,omitempty"`
	CustomerGender   Gender      `json:"customerGender"`
	CustomerAge      int         `json:"customerAge,omitempty"`
	CustomerTier     LoyaltyTier `json:"customerTier"`
	CustomerJoinDate *time.Time  `json:"customerJoinDate,omitempty"`
	OutletName       string      `json:"outletName,omitempty"`
	OutletBorough    string      `json:"outletBorough,omitempty"`
	OutletCapacity   int         `json:"outletCapacity,omitempty"`

	// Derived during enrichment. Durations stay nil when a boundary timestamp is missing.
	PrepDuration     *time.Duration `json:"prepDuration,omitempty"`
	WaitDuration     *time.Duration `json:"waitDuration,omitempty"`
	ConfirmLatency   *time.Duration `json:"confirmLatency,omitempty"`
	PeakHour         bool           `json:"peakHour"`
	DayOfWeek        string         `json:"dayOfWeek,omitempty"`
	Weekend          bool           `json:"weekend"`
	ItemsTotal       float64        `json:"itemsTotal"`
	TotalDiscrepancy float64        `json:"totalDiscrepancy"`

	// Set by the timezone transformation.
	PlacedUTC       *time.Time `json:"placedUtc,omitempty"`
	ConfirmedUTC    *time.Time `json:"confirmedUtc,omitempty"`
	PrepStartedUTC  *time.Time `json:"prepStartedUtc,omitempty"`
	PrepFinishedUTC *time.Time `json:"prepFinishedUtc,omitempty"`
	ServedUTC       *time.Time `json:"servedUtc,omitempty"`

	// Set by feature engineering.
	HighValue        bool   `json:"highValue"`
	FrequentCustomer bool   `json:"frequentCustomer"`
	Complexity       int    `json:"complexity"`
	TimeOfDay        string `json:"timeOfDay,omitempty"`
	Season           string `json:"season,omitempty"`
	Holiday          bool   `json:"holiday"`
	HasBeverage      bool   `json:"hasBeverage"`
	HasDessert       bool   `json:"hasDessert"`
	VegetarianOrder  bool   `json:"vegetarianOrder"`
}

// RecomputeTotals refreshes ItemsTotal and TotalDiscrepancy from the line items.
// Call it after any change to Items or Total.
func (r *Record) RecomputeTotals() {
	var sum float64
	for _, it := range r.Items {
		sum += it.Total()
	}
	r.ItemsTotal = sum
	r.TotalDiscrepancy = math.Abs(r.Total - sum)
}

// PrepMinutes returns whole preparation minutes, if both prep timestamps are known.
func (r *Record) PrepMinutes() (int64, bool) {
	if r.PrepDuration != nil {
		return int64(*r.PrepDuration / time.Minute), true
	}
	if r.PrepStarted == nil || r.PrepFinished == nil {
		return 0, false
	}
	return int64(r.PrepFinished.Sub(*r.PrepStarted) / time.Minute), true
}

// Clone returns a deep copy so that a stage can mutate it without touching the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Placed = cloneTime(r.Placed)
	c.Confirmed = cloneTime(r.Confirmed)
	c.PrepStarted = cloneTime(r.PrepStarted)
	c.PrepFinished = cloneTime(r.PrepFinished)
	c.Served = cloneTime(r.Served)
	c.CustomerJoinDate = cloneTime(r.CustomerJoinDate)
	c.PlacedUTC = cloneTime(r.PlacedUTC)
	c.ConfirmedUTC = cloneTime(r.ConfirmedUTC)
	c.PrepStartedUTC = cloneTime(r.PrepStartedUTC)
	c.PrepFinishedUTC = cloneTime(r.PrepFinishedUTC)
	c.ServedUTC = cloneTime(r.ServedUTC)
	c.PrepDuration = cloneDuration(r.PrepDuration)
	c.WaitDuration = cloneDuration(r.WaitDuration)
	c.ConfirmLatency = cloneDuration(r.ConfirmLatency)
	if r.Items != nil {
		c.Items = make([]LineItem, len(r.Items))
		copy(c.Items, r.Items)
	}
	return &c
}

// CloneBatch deep-copies every record of a batch, preserving order.
func CloneBatch(in []*Record) []*Record {
	out := make([]*Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
