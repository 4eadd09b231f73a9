package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReceiptAccumulates(t *testing.T) {
	sent := vec(map[string]int{"M": 10})

	afterFirst, done, err := ApplyReceipt(sent, vec(map[string]int{"M": 4}), "2026-03-01")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, map[string]int{"M": 4}, afterFirst.Meta.Received)
	assert.Equal(t, map[string]int{"2026-03-01": 4}, afterFirst.Meta.ReceivedByDate)
	// the sent counts never change
	assert.Equal(t, map[string]int{"M": 10}, afterFirst.Counts)
	assert.Empty(t, sent.Meta.Received)

	afterSecond, done, err := ApplyReceipt(afterFirst, vec(map[string]int{"M": 6}), "2026-03-02")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 10, afterSecond.Meta.ReceivedTotal())
	assert.Equal(t, map[string]int{"2026-03-01": 4, "2026-03-02": 6}, afterSecond.Meta.ReceivedByDate)
}

func TestApplyReceiptSameDayAddsUp(t *testing.T) {
	sent := vec(map[string]int{"S": 3, "M": 3})
	out, _, err := ApplyReceipt(sent, vec(map[string]int{"S": 1}), "2026-03-01")
	require.NoError(t, err)
	out, done, err := ApplyReceipt(out, vec(map[string]int{"M": 2}), "2026-03-01")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, map[string]int{"2026-03-01": 3}, out.Meta.ReceivedByDate)
	assert.Equal(t, map[string]int{"S": 1, "M": 2}, out.Meta.Received)
}

func TestApplyReceiptRejectsOverReceipt(t *testing.T) {
	sent := vec(map[string]int{"M": 10})
	sent.Meta.Received = map[string]int{"M": 8}

	out, done, err := ApplyReceipt(sent, vec(map[string]int{"M": 3, "L": 1}), "2026-03-01")
	var over *OverAssignmentError
	require.ErrorAs(t, err, &over)
	assert.False(t, done)
	assert.Equal(t, []SizeShortfall{
		{Size: "L", Available: 0, Requested: 1},
		{Size: "M", Available: 2, Requested: 3},
	}, over.Shortfalls)
	assert.Equal(t, map[string]int{"M": 8}, out.Meta.Received)
}

func TestWageFollowsReceivedPieces(t *testing.T) {
	rate := decimal.NewFromInt(1500)

	first := Wage(4, rate)
	second := Wage(6, rate)
	assert.True(t, first.Equal(decimal.NewFromInt(6000)))
	assert.True(t, second.Equal(decimal.NewFromInt(9000)))
	assert.True(t, first.Add(second).Equal(Wage(10, rate)))
	assert.True(t, Wage(0, rate).IsZero())
}
