package ingest

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"orderpipe/internal/model"
)

type collected struct {
	raws    []string
	reasons []string
}

func (c *collected) Add(raw, reason string) {
	c.raws = append(c.raws, raw)
	c.reasons = append(c.reasons, reason)
}

func TestParse_Valid(t *testing.T) {
	rec, err := Parse(RawOrder{
		OrderID:      " o1 ",
		CustomerID:   "c1",
		OutletID:     "out1",
		OrderPlaced:  "2024-03-01 19:05:00",
		PrepStarted:  "2024-03-01 19:10:00",
		PrepFinished: "",
		Status:       "canceled",
		TotalPrice:   900,
		Items: []RawItem{
			{ItemID: "i1", Quantity: 2, Price: 250, Category: "Main Course"},
			{ItemID: "i2", Quantity: 1, Price: 500, Category: "dessert"},
		},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.OrderID != "o1" || rec.Status != model.StatusCancelled {
		t.Fatalf("fields: %+v", rec)
	}
	if rec.Placed == nil || rec.Placed.Hour() != 19 || rec.PrepFinished != nil {
		t.Fatalf("timestamps: placed=%v finished=%v", rec.Placed, rec.PrepFinished)
	}
	if rec.NumItems != 3 || rec.ItemsTotal != 1000 || rec.TotalDiscrepancy != 100 {
		t.Fatalf("derived: items=%d total=%v disc=%v", rec.NumItems, rec.ItemsTotal, rec.TotalDiscrepancy)
	}
	if rec.Items[0].Category != model.CategoryMainCourse {
		t.Fatalf("category: %s", rec.Items[0].Category)
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]RawOrder{
		"missing id":  {CustomerID: "c", OutletID: "o"},
		"missing out": {OrderID: "x", CustomerID: "c"},
		"bad time":    {OrderID: "x", CustomerID: "c", OutletID: "o", OrderPlaced: "yesterday"},
		"nan total":   {OrderID: "x", CustomerID: "c", OutletID: "o", TotalPrice: math.NaN()},
		"inf price":   {OrderID: "x", CustomerID: "c", OutletID: "o", Items: []RawItem{{ItemID: "i", Quantity: 1, Price: math.Inf(1)}}},
		"no item id":  {OrderID: "x", CustomerID: "c", OutletID: "o", Items: []RawItem{{Quantity: 1}}},
	}
	for name, raw := range cases {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: want ErrMalformed, got %v", name, err)
		}
	}
}

func TestReadJSONL_DeadLettersBadLines(t *testing.T) {
	in := strings.Join([]string{
		`{"order_id":"o1","customer_id":"c1","outlet_id":"a","order_placed":"2024-03-01 12:00:00","total_price":10}`,
		`{not json`,
		``,
		`{"order_id":"o2","customer_id":"","outlet_id":"a"}`,
		`{"order_id":"o3","customer_id":"c3","outlet_id":"b","total_price":5}`,
	}, "\n")
	dl := &collected{}
	recs, err := ReadJSONL(strings.NewReader(in), dl)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(recs) != 2 || recs[0].OrderID != "o1" || recs[1].OrderID != "o3" {
		t.Fatalf("records: %d", len(recs))
	}
	if len(dl.raws) != 2 || dl.raws[0] != "{not json" {
		t.Fatalf("dead letters: %+v", dl.raws)
	}
	if !strings.HasPrefix(dl.reasons[1], "line 4:") || !strings.Contains(dl.reasons[1], "customer_id") {
		t.Fatalf("reason: %s", dl.reasons[1])
	}
}

func TestReadJSONL_NegativeAmountsReachThePipeline(t *testing.T) {
	in := `{"order_id":"o1","customer_id":"c1","outlet_id":"a","total_price":-500,"num_items":-2,"items":[{"item_id":"i1","quantity":-1,"price":250}]}`
	dl := &collected{}
	recs, err := ReadJSONL(strings.NewReader(in), dl)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(recs) != 1 || len(dl.reasons) != 0 {
		t.Fatalf("records=%d dead letters=%v", len(recs), dl.reasons)
	}
	if r := recs[0]; r.Total != -500 || r.NumItems != -2 || r.Items[0].Quantity != -1 {
		t.Fatalf("values changed at ingest: %+v", r)
	}
}

func TestReadCSV_NaNTotalIsMalformed(t *testing.T) {
	in := `order_id,customer_id,outlet_id,order_placed,total_price
o1,c1,a,2024-03-01 12:00:00,NaN
o2,c2,a,2024-03-01 12:00:00,-40
`
	dl := &collected{}
	recs, err := ReadCSV(strings.NewReader(in), dl)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(recs) != 1 || recs[0].OrderID != "o2" || recs[0].Total != -40 {
		t.Fatalf("records: %+v", recs)
	}
	if len(dl.reasons) != 1 {
		t.Fatalf("dead letters: %v", dl.reasons)
	}
}

func TestReadCSV_FoldsItemRows(t *testing.T) {
	in := `order_id,customer_id,outlet_id,order_placed,status,num_items,total_price,payment_method,item_id,item_name,quantity,item_price,category,is_vegetarian
o1,c1,a,2024-03-01 12:00:00,DELIVERED,3,1000,Card,i1,Rice,2,250,rice,true
o1,c1,a,2024-03-01 12:00:00,DELIVERED,3,1000,Card,i2,Cake,1,500,dessert,false
o2,c2,b,2024-03-01 13:00:00,PENDING,1,abc,Cash,i3,Tea,1,100,beverage,true
o3,c3,b,2024-03-02 09:00:00,READY,1,100,Cash,i3,Tea,1,100,beverage,true
`
	dl := &collected{}
	recs, err := ReadCSV(strings.NewReader(in), dl)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(recs) != 2 || recs[0].OrderID != "o1" || recs[1].OrderID != "o3" {
		t.Fatalf("records: %+v", recs)
	}
	if len(recs[0].Items) != 2 || recs[0].ItemsTotal != 1000 || !recs[0].Items[0].Vegetarian {
		t.Fatalf("items: %+v", recs[0].Items)
	}
	if len(dl.reasons) != 1 || !strings.Contains(dl.reasons[0], "total_price") {
		t.Fatalf("dead letters: %+v", dl.reasons)
	}
}

func TestReadCSV_MissingColumnIsFatal(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("order_id,customer_id\no1,c1\n"), &collected{}); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeConsumer struct {
	msgs      [][]byte
	committed bool
}

func (f *fakeConsumer) ReadMessage(time.Duration) (*ck.Message, error) {
	if len(f.msgs) == 0 {
		return nil, ck.NewError(ck.ErrTimedOut, "timed out", false)
	}
	v := f.msgs[0]
	f.msgs = f.msgs[1:]
	return &ck.Message{Value: v}, nil
}

func (f *fakeConsumer) Commit() ([]ck.TopicPartition, error) {
	f.committed = true
	return nil, nil
}

func (f *fakeConsumer) Close() error { return nil }

func TestKafkaSource_ReadBatch(t *testing.T) {
	fc := &fakeConsumer{msgs: [][]byte{
		[]byte(`{"order_id":"o1","customer_id":"c1","outlet_id":"a"}`),
		[]byte(`garbage`),
		[]byte(`{"order_id":"o2","customer_id":"c2","outlet_id":"a"}`),
		[]byte(`{"order_id":"o3","customer_id":"c3","outlet_id":"a"}`),
	}}
	dl := &collected{}
	src := NewKafkaSourceWith(fc, dl)

	recs, err := src.ReadBatch(context.Background(), 2, time.Millisecond)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(recs) != 2 || recs[1].OrderID != "o2" || len(dl.raws) != 1 {
		t.Fatalf("first batch: recs=%d dead=%d", len(recs), len(dl.raws))
	}

	recs, err = src.ReadBatch(context.Background(), 10, time.Millisecond)
	if err != nil || len(recs) != 1 {
		t.Fatalf("second batch: %d %v", len(recs), err)
	}
	if err := src.Commit(); err != nil || !fc.committed {
		t.Fatalf("commit: %v", err)
	}
}
