package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestRemainingDemand(t *testing.T) {
	demand := NewQuantityVector(map[string]int{"S": 10, "M": 5})
	assigned := NewQuantityVector(map[string]int{"S": 4, "M": 7, "L": 2})

	remaining := RemainingDemand(demand, assigned)
	assert.Equal(t, map[string]int{"S": 6}, remaining.Counts)
}

func TestNetAssignedSubtractsTransfers(t *testing.T) {
	net := NetAssigned(
		[]QuantityVector{
			NewQuantityVector(map[string]int{"S": 4}),
			NewQuantityVector(map[string]int{"S": 2, "M": 1}),
		},
		[]QuantityVector{NewQuantityVector(map[string]int{"S": 3})},
	)
	assert.Equal(t, map[string]int{"S": 3, "M": 1}, net.Counts)
}

func TestCheckAssignableEnumeratesEverySize(t *testing.T) {
	available := NewQuantityVector(map[string]int{"M": 2, "L": 5})

	assert.NoError(t, CheckAssignable(available, NewQuantityVector(map[string]int{"M": 2})))

	err := CheckAssignable(available, NewQuantityVector(map[string]int{"M": 3, "L": 5, "XL": 1}))
	var over *OverAssignmentError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, []SizeShortfall{
		{Size: "M", Available: 2, Requested: 3},
		{Size: "XL", Available: 0, Requested: 1},
	}, over.Shortfalls)
	assert.Equal(t, "over_assignment", RejectionKind(err))
}

func TestBuildPendingOrder(t *testing.T) {
	order := Order{
		ID:          1,
		ClientId:    2,
		OrderNumber: "A-1",
		Items: []OrderItem{
			{ProductId: 7, Demand: NewQuantityVector(map[string]int{"S": 10, "M": 10})},
			{ProductId: 8, Demand: NewQuantityVector(map[string]int{"L": 3})},
		},
	}
	assigned := []CuttingJob{
		{OrderId: intPtr(1), ProductId: 7, Vector: NewQuantityVector(map[string]int{"S": 10, "M": 4})},
		// another order
		{OrderId: intPtr(5), ProductId: 8, Vector: NewQuantityVector(map[string]int{"L": 3})},
	}
	transferred := []CuttingJob{
		{OrderId: intPtr(5), SourceOrderId: intPtr(1), ProductId: 7, Vector: NewQuantityVector(map[string]int{"M": 2})},
	}

	pending, ok := BuildPendingOrder(order, assigned, transferred)
	require.True(t, ok)
	assert.Equal(t, OrderStatusPartiallyCut, pending.Status)
	require.Len(t, pending.Items, 2)
	assert.Equal(t, 7, pending.Items[0].ProductId)
	assert.Equal(t, map[string]int{"M": 8}, pending.Items[0].Remaining.Counts)
	assert.Equal(t, map[string]int{"L": 3}, pending.Items[1].Remaining.Counts)
}

func TestBuildPendingOrderFullyCut(t *testing.T) {
	order := Order{
		ID:    3,
		Items: []OrderItem{{ProductId: 7, Demand: NewQuantityVector(map[string]int{"M": 10, "L": 5})}},
	}
	assigned := []CuttingJob{
		{OrderId: intPtr(3), ProductId: 7, Vector: NewQuantityVector(map[string]int{"M": 10, "L": 5})},
	}

	_, ok := BuildPendingOrder(order, assigned, nil)
	assert.False(t, ok)

	untouched, ok := BuildPendingOrder(order, nil, nil)
	assert.True(t, ok)
	assert.Equal(t, OrderStatusPending, untouched.Status)
}

func TestNewCuttingJobValidateRoundsFabricLength(t *testing.T) {
	half := decimal.RequireFromString("2.5")
	input := &NewCuttingJob{
		ProductId: 1,
		Assignments: []NewCuttingAssignment{
			{EmployeeId: 1, Vector: NewQuantityVector(map[string]int{"M": 4}), FabricRollId: intPtr(9), FabricLength: &half},
			{EmployeeId: 2, Vector: NewQuantityVector(map[string]int{"L": 1})},
		},
	}
	lengths, err := input.validate()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 0}, lengths)
}

func TestNewCuttingJobValidateRejects(t *testing.T) {
	tiny := decimal.RequireFromString("0.4")
	cases := map[string]*NewCuttingJob{
		"no assignments": {ProductId: 1},
		"empty vector": {ProductId: 1, Assignments: []NewCuttingAssignment{
			{EmployeeId: 1, Vector: NewQuantityVector(map[string]int{})},
		}},
		"roll without length": {ProductId: 1, Assignments: []NewCuttingAssignment{
			{EmployeeId: 1, Vector: NewQuantityVector(map[string]int{"M": 1}), FabricRollId: intPtr(2)},
		}},
		"length without roll": {ProductId: 1, Assignments: []NewCuttingAssignment{
			{EmployeeId: 1, Vector: NewQuantityVector(map[string]int{"M": 1}), FabricLength: &tiny},
		}},
		"length below one unit": {ProductId: 1, Assignments: []NewCuttingAssignment{
			{EmployeeId: 1, Vector: NewQuantityVector(map[string]int{"M": 1}), FabricRollId: intPtr(2), FabricLength: &tiny},
		}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := input.validate()
			assert.Equal(t, "validation", RejectionKind(err))
		})
	}
}
