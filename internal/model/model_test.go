package model

import (
	"testing"
	"time"
)

func TestRecomputeTotals_TracksDiscrepancy(t *testing.T) {
	r := &Record{
		Total: 900,
		Items: []LineItem{
			{ItemID: "i1", Quantity: 2, UnitPrice: 250},
			{ItemID: "i2", Quantity: 1, UnitPrice: 500},
		},
	}
	r.RecomputeTotals()
	if r.ItemsTotal != 1000 {
		t.Fatalf("itemsTotal: got=%v want=1000", r.ItemsTotal)
	}
	if r.TotalDiscrepancy != 100 {
		t.Fatalf("discrepancy: got=%v want=100", r.TotalDiscrepancy)
	}

	r.Items = r.Items[:1]
	r.RecomputeTotals()
	if r.ItemsTotal != 500 || r.TotalDiscrepancy != 400 {
		t.Fatalf("after item change: itemsTotal=%v discrepancy=%v", r.ItemsTotal, r.TotalDiscrepancy)
	}
}

func TestTierForSpend_Bands(t *testing.T) {
	cases := []struct {
		spend float64
		want  LoyaltyTier
	}{
		{0, TierBronze},
		{9999.99, TierBronze},
		{10000, TierSilver},
		{24999, TierSilver},
		{25000, TierGold},
		{49999.5, TierGold},
		{50000, TierPlatinum},
		{1e9, TierPlatinum},
	}
	for _, c := range cases {
		if got := TierForSpend(c.spend); got != c.want {
			t.Fatalf("TierForSpend(%v): got=%s want=%s", c.spend, got, c.want)
		}
	}
	if got := (Customer{TotalSpent: 30000}).Tier(); got != TierGold {
		t.Fatalf("customer tier: got=%s", got)
	}
}

func TestParseEnums_Fallbacks(t *testing.T) {
	if got := ParseStatus(""); got != StatusPending {
		t.Fatalf("empty status: %s", got)
	}
	if got := ParseStatus("weird"); got != StatusPending {
		t.Fatalf("unknown status: %s", got)
	}
	if got := ParseStatus(" delivered "); got != StatusDelivered {
		t.Fatalf("delivered: %s", got)
	}
	if got := ParseGender("Prefer not to say"); got != GenderPreferNotToSay {
		t.Fatalf("gender display form: %s", got)
	}
	if got := ParseGender(""); got != GenderOther {
		t.Fatalf("empty gender: %s", got)
	}
	if got := ParseCategory("Main Course"); got != CategoryMainCourse {
		t.Fatalf("category display form: %s", got)
	}
	if got := ParseCategory("sushi"); got != CategoryUncategorized {
		t.Fatalf("unknown category: %s", got)
	}
}

func TestNormalizePaymentMethod(t *testing.T) {
	cases := map[string]string{
		"Credit Card":    PaymentCard,
		"debit":          PaymentCard,
		" cash ":         PaymentCash,
		"Online Banking": PaymentOnline,
		"digital":        PaymentOnline,
		"e-wallet":       PaymentWallet,
		"barter":         PaymentUnknown,
		"":               PaymentUnknown,
	}
	for in, want := range cases {
		if got := NormalizePaymentMethod(in); got != want {
			t.Fatalf("NormalizePaymentMethod(%q): got=%s want=%s", in, got, want)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	placed := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)
	d := 5 * time.Minute
	r := &Record{
		OrderID:      "o1",
		Placed:       &placed,
		PrepDuration: &d,
		Items:        []LineItem{{ItemID: "i1", Quantity: 1, UnitPrice: 10}},
	}
	c := r.Clone()
	*c.Placed = c.Placed.Add(time.Hour)
	*c.PrepDuration = time.Hour
	c.Items[0].UnitPrice = 99

	if !r.Placed.Equal(placed) {
		t.Fatalf("original placed mutated: %v", r.Placed)
	}
	if *r.PrepDuration != 5*time.Minute {
		t.Fatalf("original duration mutated: %v", *r.PrepDuration)
	}
	if r.Items[0].UnitPrice != 10 {
		t.Fatalf("original items mutated: %+v", r.Items)
	}
}

func TestPrepMinutes_UnsetWithoutBothTimestamps(t *testing.T) {
	start := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)
	r := &Record{PrepStarted: &start}
	if _, ok := r.PrepMinutes(); ok {
		t.Fatalf("prep minutes should be unknown without finish time")
	}
	end := start.Add(61*time.Minute + 30*time.Second)
	r.PrepFinished = &end
	if m, ok := r.PrepMinutes(); !ok || m != 61 {
		t.Fatalf("prep minutes: got=%d ok=%v", m, ok)
	}
}

func TestLookupStatus_ReportsUnknown(t *testing.T) {
	if st, ok := LookupStatus("Canceled"); !ok || st != StatusCancelled {
		t.Fatalf("canceled: %s ok=%v", st, ok)
	}
	if st, ok := LookupStatus("deliverd"); ok || st != StatusPending {
		t.Fatalf("typo: %s ok=%v", st, ok)
	}
}
