package model

import "strings"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	StatusFailed    Status = "FAILED"
)

var statuses = []Status{
	StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
	StatusDelivered, StatusCancelled, StatusRefunded, StatusFailed,
}

// ParseStatus maps free text to a Status. Empty or unknown text yields StatusPending.
func ParseStatus(s string) Status {
	st, _ := LookupStatus(s)
	return st
}

// LookupStatus is ParseStatus that also reports whether s named a known status.
func LookupStatus(s string) (Status, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "CANCELED" {
		return StatusCancelled, true
	}
	for _, st := range statuses {
		if string(st) == s {
			return st, true
		}
	}
	return StatusPending, false
}

// Completed reports whether the order reached a terminal state.
func (s Status) Completed() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// Active reports whether the order is being worked on.
func (s Status) Active() bool {
	return s == StatusConfirmed || s == StatusPreparing || s == StatusReady
}

type Gender string

const (
	GenderMale           Gender = "MALE"
	GenderFemale         Gender = "FEMALE"
	GenderOther          Gender = "OTHER"
	GenderPreferNotToSay Gender = "PREFER_NOT_TO_SAY"
)

// ParseGender accepts either the enum name or its display form ("Prefer not to say").
func ParseGender(s string) Gender {
	switch normalizeEnumText(s) {
	case "MALE", "M":
		return GenderMale
	case "FEMALE", "F":
		return GenderFemale
	case "PREFER_NOT_TO_SAY":
		return GenderPreferNotToSay
	default:
		return GenderOther
	}
}

// Category classifies a menu item.
type Category string

const (
	CategoryAppetizer     Category = "APPETIZER"
	CategoryMainCourse    Category = "MAIN_COURSE"
	CategoryDessert       Category = "DESSERT"
	CategoryBeverage      Category = "BEVERAGE"
	CategorySideDish      Category = "SIDE_DISH"
	CategorySoup          Category = "SOUP"
	CategorySalad         Category = "SALAD"
	CategoryRice          Category = "RICE"
	CategoryNoodles       Category = "NOODLES"
	CategoryBread         Category = "BREAD"
	CategoryCondiment     Category = "CONDIMENT"
	CategoryUncategorized Category = "UNCATEGORIZED"
)

var categories = []Category{
	CategoryAppetizer, CategoryMainCourse, CategoryDessert, CategoryBeverage,
	CategorySideDish, CategorySoup, CategorySalad, CategoryRice,
	CategoryNoodles, CategoryBread, CategoryCondiment,
}

func ParseCategory(s string) Category {
	n := normalizeEnumText(s)
	for _, c := range categories {
		if string(c) == n {
			return c
		}
	}
	return CategoryUncategorized
}

// LoyaltyTier is derived from cumulative customer spend, never stored independently of it.
type LoyaltyTier string

const (
	TierBronze   LoyaltyTier = "BRONZE"
	TierSilver   LoyaltyTier = "SILVER"
	TierGold     LoyaltyTier = "GOLD"
	TierPlatinum LoyaltyTier = "PLATINUM"
)

// TierForSpend returns the loyalty band for a cumulative spend amount.
func TierForSpend(spend float64) LoyaltyTier {
	switch {
	case spend >= 50000:
		return TierPlatinum
	case spend >= 25000:
		return TierGold
	case spend >= 10000:
		return TierSilver
	default:
		return TierBronze
	}
}

// Canonical payment methods produced by normalization.
const (
	PaymentCard    = "CARD"
	PaymentCash    = "CASH"
	PaymentOnline  = "ONLINE"
	PaymentWallet  = "WALLET"
	PaymentUnknown = "UNKNOWN"
)

// NormalizePaymentMethod folds free text into the closed payment method set.
func NormalizePaymentMethod(s string) string {
	m := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case m == "":
		return PaymentUnknown
	case strings.Contains(m, "CARD"), strings.Contains(m, "CREDIT"), strings.Contains(m, "DEBIT"):
		return PaymentCard
	case strings.Contains(m, "CASH"):
		return PaymentCash
	case strings.Contains(m, "ONLINE"), strings.Contains(m, "DIGITAL"):
		return PaymentOnline
	case strings.Contains(m, "WALLET"):
		return PaymentWallet
	default:
		return PaymentUnknown
	}
}

func normalizeEnumText(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}
