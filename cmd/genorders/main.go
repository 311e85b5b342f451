// Command genorders writes a sample raw order feed and the reference data it refers to.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"orderpipe/internal/ingest"
	"orderpipe/internal/model"
	"orderpipe/internal/refdata"
)

func main() {
	var (
		count      int
		outputFile string
		refsFile   string
		seed       int64
		malformed  float64
	)
	flag.IntVar(&count, "count", 100, "number of orders to generate")
	flag.StringVar(&outputFile, "output", "orders.jsonl", "raw order output file")
	flag.StringVar(&refsFile, "refdata", "refdata.json", "reference data output file")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Float64Var(&malformed, "malformed", 0.02, "fraction of lines written as garbage")
	flag.Parse()

	rng := rand.New(rand.NewSource(seed))
	ds := dataset(rng)
	if err := writeRefData(refsFile, ds); err != nil {
		slog.Error("generation failed", "error", err)
		os.Exit(1)
	}
	if err := generateOrders(rng, ds, count, malformed, outputFile); err != nil {
		slog.Error("generation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("generated", "orders", count, "output", outputFile, "refdata", refsFile)
}

var (
	boroughs = []string{"Central", "North", "East", "West"}
	menu     = []struct {
		name     string
		category model.Category
		price    float64
		veg      bool
		spice    string
	}{
		{"Spring Rolls", model.CategoryAppetizer, 450, true, "low"},
		{"Chicken Curry", model.CategoryMainCourse, 1250, false, "high"},
		{"Paneer Tikka", model.CategoryMainCourse, 1100, true, "medium"},
		{"Fried Rice", model.CategoryRice, 800, true, "low"},
		{"Hakka Noodles", model.CategoryNoodles, 850, true, "medium"},
		{"Lentil Soup", model.CategorySoup, 500, true, "low"},
		{"Garlic Naan", model.CategoryBread, 250, true, ""},
		{"Mango Lassi", model.CategoryBeverage, 350, true, ""},
		{"Iced Tea", model.CategoryBeverage, 300, true, ""},
		{"Gulab Jamun", model.CategoryDessert, 400, true, ""},
	}
	statuses = []string{"Delivered", "Delivered", "Delivered", "Delivered", "Cancelled", "Preparing", "Refunded"}
	payments = []string{"Credit Card", "Cash", "Online Banking", "E-Wallet", "Debit Card"}
)

func dataset(rng *rand.Rand) refdata.Dataset {
	var ds refdata.Dataset
	for i := range menu {
		m := menu[i]
		ds.MenuItems = append(ds.MenuItems, model.MenuItem{
			ID: fmt.Sprintf("m%02d", i+1), Name: m.name, Category: m.category,
			Price: m.price, Vegetarian: m.veg, SpiceLevel: m.spice,
		})
	}
	for i := 0; i < 8; i++ {
		opened := time.Date(2015+i, time.Month(1+i), 1, 0, 0, 0, 0, time.UTC)
		ds.Outlets = append(ds.Outlets, model.Outlet{
			ID: fmt.Sprintf("out%d", i+1), Name: fmt.Sprintf("Outlet %d", i+1),
			Borough: boroughs[i%len(boroughs)], Capacity: 20 + rng.Intn(60), Opened: &opened,
		})
	}
	genders := []model.Gender{model.GenderMale, model.GenderFemale, model.GenderOther, model.GenderPreferNotToSay}
	for i := 0; i < 50; i++ {
		joined := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, rng.Intn(1400))
		ds.Customers = append(ds.Customers, model.Customer{
			ID: fmt.Sprintf("c%03d", i+1), Name: fmt.Sprintf("Customer %d", i+1),
			Gender: genders[rng.Intn(len(genders))], Age: 18 + rng.Intn(60),
			JoinDate: &joined, TotalSpent: float64(rng.Intn(60000)),
		})
	}
	return ds
}

func writeRefData(path string, ds refdata.Dataset) error {
	b, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reference data: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write reference data: %w", err)
	}
	return nil
}

func generateOrders(rng *rand.Rand, ds refdata.Dataset, count int, malformed float64, outputFile string) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	base := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -7)
	enc := json.NewEncoder(file)
	for i := 0; i < count; i++ {
		if rng.Float64() < malformed {
			if _, err := fmt.Fprintf(file, "{\"order_id\": \"o%d\", \"total_price\": \n", i+1); err != nil {
				return fmt.Errorf("write order %d: %w", i+1, err)
			}
			continue
		}
		o := order(rng, ds, base, i)
		if err := enc.Encode(&o); err != nil {
			return fmt.Errorf("encode order %d: %w", i+1, err)
		}
	}
	return nil
}

func order(rng *rand.Rand, ds refdata.Dataset, base time.Time, i int) ingest.RawOrder {
	placed := base.Add(time.Duration(rng.Intn(7*24*60)) * time.Minute)
	confirmed := placed.Add(time.Duration(1+rng.Intn(5)) * time.Minute)
	prepStart := confirmed.Add(time.Duration(rng.Intn(10)) * time.Minute)
	prepEnd := prepStart.Add(time.Duration(8+rng.Intn(40)) * time.Minute)
	served := prepEnd.Add(time.Duration(2+rng.Intn(10)) * time.Minute)

	var (
		items []ingest.RawItem
		total float64
		qty   int
	)
	for n := 1 + rng.Intn(4); n > 0; n-- {
		m := ds.MenuItems[rng.Intn(len(ds.MenuItems))]
		q := 1 + rng.Intn(3)
		items = append(items, ingest.RawItem{
			ItemID: m.ID, Name: m.Name, Quantity: q, Price: m.Price,
			Category: string(m.Category), Vegetarian: m.Vegetarian, SpiceLevel: m.SpiceLevel,
		})
		total += float64(q) * m.Price
		qty += q
	}

	return ingest.RawOrder{
		OrderID:        fmt.Sprintf("o%d", i+1),
		CustomerID:     ds.Customers[rng.Intn(len(ds.Customers))].ID,
		OutletID:       ds.Outlets[rng.Intn(len(ds.Outlets))].ID,
		OrderPlaced:    placed.Format(ingest.TimeLayout),
		OrderConfirmed: confirmed.Format(ingest.TimeLayout),
		PrepStarted:    prepStart.Format(ingest.TimeLayout),
		PrepFinished:   prepEnd.Format(ingest.TimeLayout),
		ServedTime:     served.Format(ingest.TimeLayout),
		Status:         statuses[rng.Intn(len(statuses))],
		NumItems:       qty,
		TotalPrice:     total,
		PaymentMethod:  payments[rng.Intn(len(payments))],
		Items:          items,
	}
}
