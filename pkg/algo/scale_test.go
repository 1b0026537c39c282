package algo

import (
	"context"
	"testing"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legPrices(legs []Leg) []string {
	out := make([]string, len(legs))
	for i, l := range legs {
		out[i] = l.Price.String()
	}
	return out
}

func legQuantities(legs []Leg) []int {
	out := make([]int, len(legs))
	for i, l := range legs {
		out[i] = l.Quantity
	}
	return out
}

func TestScaleLegs(t *testing.T) {
	tests := []struct {
		name       string
		params     models.JobParams
		prices     []string
		quantities []int
	}{
		{
			name:       "infy ladder",
			params:     models.JobParams{Quantity: 15, Count: 3, StartPrice: d("995"), EndPrice: d("1000")},
			prices:     []string{"995", "997.5", "1000"},
			quantities: []int{5, 5, 5},
		},
		{
			name:       "remainder goes to first legs",
			params:     models.JobParams{Quantity: 11, Count: 3, StartPrice: d("100"), EndPrice: d("101")},
			prices:     []string{"100", "100.5", "101"},
			quantities: []int{4, 4, 3},
		},
		{
			name:       "descending and rounded",
			params:     models.JobParams{Quantity: 4, Count: 4, StartPrice: d("101"), EndPrice: d("100")},
			prices:     []string{"101", "100.67", "100.33", "100"},
			quantities: []int{1, 1, 1, 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			legs := ScaleLegs(tc.params)
			assert.Equal(t, tc.prices, legPrices(legs))
			assert.Equal(t, tc.quantities, legQuantities(legs))
		})
	}

	assert.Nil(t, ScaleLegs(models.JobParams{Quantity: 5, Count: 1, StartPrice: d("1"), EndPrice: d("2")}))
}

func TestScale_CompletesWhenEveryLegIsTerminal(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	job, err := h.manager.Start(context.Background(), models.JobTypeScale, models.JobParams{
		Symbol:     "infy",
		Side:       models.OrderSideBuy,
		Quantity:   15,
		Count:      3,
		StartPrice: d("995"),
		EndPrice:   d("1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "INFY", job.Params.Symbol)
	assert.Equal(t, "NSE", job.Params.Exchange)

	children := h.awaitChildren(t, job.JobID, 3)

	var prices []string
	total := 0
	for _, id := range children {
		o, err := h.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusOpen, o.Status)
		assert.Equal(t, job.JobID, o.Group)
		assert.Equal(t, job.JobID, o.ParentJobID)
		assert.Equal(t, models.OrderTypeLimit, o.Type)
		prices = append(prices, o.Price.String())
		total += o.Quantity
	}
	assert.Equal(t, []string{"995", "997.5", "1000"}, prices)
	assert.Equal(t, 15, total)

	status, err := h.manager.Status(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, status.State)

	// one fill and one external cancel still count as terminal
	require.NoError(t, h.broker.CancelOrder(context.Background(), "regular", children[2]))
	h.fillAll(t, children[:2])

	final := h.wait(t, job.JobID)
	assert.Equal(t, models.JobStateCompleted, final.State)
	assert.False(t, final.EndedAt.IsZero())
	assert.Equal(t, children, final.ChildOrderIDs)
}

func TestScale_RejectedLegIsNotRetried(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.broker.placeErrs = []error{nil, models.NewRejection(400, "Price outside circuit limits")}

	job, err := h.manager.Start(context.Background(), models.JobTypeScale, models.JobParams{
		Symbol: "INFY", Side: models.OrderSideBuy, Quantity: 15, Count: 3,
		StartPrice: d("995"), EndPrice: d("1000"),
	})
	require.NoError(t, err)

	children := h.awaitChildren(t, job.JobID, 3)
	rejected, err := h.registry.Get(children[1])
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, rejected.Status)
	assert.Equal(t, "Price outside circuit limits", rejected.Reason)

	h.fillAll(t, children)
	final := h.wait(t, job.JobID)
	assert.Equal(t, models.JobStateCompleted, final.State)

	place, _ := h.broker.calls()
	assert.Equal(t, 3, place)
}

func TestScale_FailsWhenNoLegIsAccepted(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	reject := models.NewRejection(400, "Insufficient funds")
	h.broker.placeErrs = []error{reject, reject}

	job, err := h.manager.Start(context.Background(), models.JobTypeScale, models.JobParams{
		Symbol: "INFY", Side: models.OrderSideSell, Quantity: 2, Count: 2,
		StartPrice: d("1000"), EndPrice: d("1010"),
	})
	require.NoError(t, err)

	final := h.wait(t, job.JobID)
	assert.Equal(t, models.JobStateFailed, final.State)
	assert.Contains(t, final.Error, "Insufficient funds")
	assert.Len(t, final.ChildOrderIDs, 2, "rejected legs stay on the job")
}

func TestScale_CancelCleansUpLegs(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	job, err := h.manager.Start(context.Background(), models.JobTypeScale, models.JobParams{
		Symbol: "INFY", Side: models.OrderSideBuy, Quantity: 4, Count: 2,
		StartPrice: d("990"), EndPrice: d("995"),
	})
	require.NoError(t, err)
	children := h.awaitChildren(t, job.JobID, 2)

	final, err := h.manager.Cancel(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, final.State)
	for _, id := range children {
		o, err := h.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, o.Status)
	}

	// terminal jobs are never touched again
	again, err := h.manager.Cancel(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, final.EndedAt, again.EndedAt)
}
