package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpipe/internal/model"
)

var day0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id, outlet string, placed time.Time, total float64) *model.Record {
	p := placed
	return &model.Record{OrderID: id, OutletID: outlet, Placed: &p, Total: total, Status: model.StatusDelivered, PaymentMethod: model.PaymentCard}
}

func TestZOutliers_ZeroSpreadRaisesNothing(t *testing.T) {
	found, n := zOutliers(map[string]float64{"a": 10, "b": 10, "c": 10, "d": 10}, 0.0001)
	assert.Empty(t, found)
	assert.Equal(t, 0, n)
}

func TestZOutliers_BoundaryNotFlagged(t *testing.T) {
	found, n := zOutliers(map[string]float64{"d1": 100, "d2": 100, "d3": 100, "d4": 1000}, 2.0)
	assert.Empty(t, found, "z of 1.73 is below 2.0")
	assert.Equal(t, 4, n)

	found, _ = zOutliers(map[string]float64{"d1": 100, "d2": 100, "d3": 100, "d4": 1000}, 1.7)
	require.Len(t, found, 1)
	f := found[0]
	assert.Equal(t, "d4", f.Key)
	assert.InDelta(t, 325, f.Mean, 1e-9)
	assert.InDelta(t, 389.7114, f.StdDev, 1e-3)
	assert.InDelta(t, 1.732, f.Z, 1e-3)
}

func TestZOutliers_SingleGroupIsUndefined(t *testing.T) {
	found, n := zOutliers(map[string]float64{"only": 5}, 0.1)
	assert.Empty(t, found)
	assert.Zero(t, n)
}

func TestDetect_RevenueByDay(t *testing.T) {
	var batch []*model.Record
	for d := 0; d < 9; d++ {
		batch = append(batch, rec(fmt.Sprintf("r%d", d), "o1", day0.AddDate(0, 0, d), 100))
	}
	batch = append(batch, rec("spike", "o1", day0.AddDate(0, 0, 9), 5000))

	rep := NewDetector(DefaultThresholds()).Detect(batch)
	require.Len(t, rep.Revenue, 1)
	assert.Equal(t, "2024-03-10", rep.Revenue[0].Key)
	assert.Contains(t, rep.Recommendations, "Investigate revenue anomalies on high-variance days")
}

func TestDetect_CancellationRate(t *testing.T) {
	var batch []*model.Record
	for i := 0; i < 20; i++ {
		a := rec(fmt.Sprintf("a%d", i), "flagged", day0, 100)
		b := rec(fmt.Sprintf("b%d", i), "fine", day0, 100)
		if i < 4 {
			a.Status = model.StatusCancelled
		}
		if i < 2 {
			b.Status = model.StatusCancelled
		}
		batch = append(batch, a, b)
	}
	rep := NewDetector(DefaultThresholds()).Detect(batch)
	require.Len(t, rep.Cancellation, 1)
	assert.Equal(t, "flagged", rep.Cancellation[0].OutletID)
	assert.InDelta(t, 0.20, rep.Cancellation[0].Rate, 1e-12)
	assert.Equal(t, 4, rep.Cancellation[0].Cancelled)
	assert.Equal(t, "Review cancellation policies for outlets with high cancellation rates", rep.Recommendations[0])
}

func TestDetect_CancellationAppliesToSingleOutlet(t *testing.T) {
	batch := []*model.Record{rec("1", "solo", day0, 10), rec("2", "solo", day0, 10)}
	batch[0].Status = model.StatusCancelled
	rep := NewDetector(DefaultThresholds()).Detect(batch)
	require.Len(t, rep.Cancellation, 1)
}

func TestDetect_PaymentConcentration(t *testing.T) {
	var batch []*model.Record
	for i := 0; i < 10; i++ {
		r := rec(fmt.Sprintf("p%d", i), "o1", day0, 100)
		if i == 0 {
			r.PaymentMethod = model.PaymentCash
		}
		batch = append(batch, r)
	}
	// 9 of 10 by card at 12:00
	rep := NewDetector(DefaultThresholds()).Detect(batch)
	require.Len(t, rep.Payment, 1)
	assert.Equal(t, "12:00", rep.Payment[0].Hour)
	assert.Equal(t, model.PaymentCard, rep.Payment[0].Method)
	assert.InDelta(t, 0.9, rep.Payment[0].Share, 1e-12)
}

func TestDetect_RecordAnomalies(t *testing.T) {
	slow := rec("slow", "o1", day0, 100)
	start := day0
	end := start.Add(61*time.Minute + 59*time.Second)
	slow.PrepStarted, slow.PrepFinished = &start, &end

	edge := rec("edge", "o1", day0, 100)
	edgeEnd := start.Add(60*time.Minute + 59*time.Second)
	edge.PrepStarted, edge.PrepFinished = &start, &edgeEnd

	big := rec("big", "o1", day0, 10000.01)
	exact := rec("exact", "o1", day0, 10000)

	rep := NewDetector(DefaultThresholds()).Detect([]*model.Record{slow, edge, big, exact})
	require.Len(t, rep.Records, 2)
	assert.Equal(t, Anomaly{Type: HighValueOrder, Value: 10000.01, Threshold: 10000, OrderID: "big", OutletID: "o1"}, rep.Records[0])
	assert.Equal(t, LongPreparationTime, rep.Records[1].Type)
	assert.Equal(t, 61.0, rep.Records[1].Value)
	assert.Contains(t, rep.Recommendations, "Monitor orders with unusually long preparation times")
}

func TestDetect_OutletPerformance(t *testing.T) {
	batch := []*model.Record{
		rec("1", "a", day0, 100),
		rec("2", "b", day0, 100),
		rec("3", "c", day0, 250),
	}
	// fleet mean 150; a and b deviate 33%, c deviates 67%
	rep := NewDetector(DefaultThresholds()).Detect(batch)
	require.Len(t, rep.Outlets, 3)
	assert.Equal(t, "a", rep.Outlets[0].OutletID)
	assert.InDelta(t, 150, rep.Outlets[0].Threshold, 1e-9)

	near := []*model.Record{rec("1", "a", day0, 100), rec("2", "b", day0, 120)}
	assert.Empty(t, NewDetector(DefaultThresholds()).Detect(near).Outlets)
}

func TestDetect_EmptyBatch(t *testing.T) {
	rep := NewDetector(DefaultThresholds()).Detect(nil)
	assert.NotNil(t, rep.Revenue)
	assert.NotNil(t, rep.Records)
	assert.Empty(t, rep.Revenue)
	assert.Empty(t, rep.OrderCount)
	assert.Empty(t, rep.Cancellation)
	assert.Empty(t, rep.Payment)
	assert.Empty(t, rep.Outlets)
	assert.Empty(t, rep.Recommendations)
	assert.Zero(t, rep.Score)
	assert.Zero(t, rep.Possible)
}

func TestDetect_ScoreIsRaisedOverPossible(t *testing.T) {
	// one outlet, one hour, two orders: possible = 1 cancellation + 1 payment pair + 2 value checks
	a := rec("1", "o1", day0, 20000)
	b := rec("2", "o1", day0, 50)
	rep := NewDetector(DefaultThresholds()).Detect([]*model.Record{a, b})
	assert.Equal(t, 4, rep.Possible)
	// payment share 1.0 and one high-value order
	assert.Equal(t, 2, rep.Raised)
	assert.InDelta(t, 50, rep.Score, 1e-9)
	assert.NotContains(t, rep.Recommendations, "Consider implementing real-time anomaly monitoring system")
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())
	bad := DefaultThresholds()
	bad.PaymentShare = 1.5
	assert.Error(t, bad.Validate())
	bad = DefaultThresholds()
	bad.RevenueZ = 0
	assert.Error(t, bad.Validate())
}
