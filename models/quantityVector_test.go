package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityVectorTotalIgnoresMeta(t *testing.T) {
	var v QuantityVector
	require.NoError(t, json.Unmarshal([]byte(`{"S":2,"M":1,"meta":{"packed_qty":1,"received":{"S":2}}}`), &v))

	assert.Equal(t, 3, v.Total())
	assert.Equal(t, []string{"M", "S"}, v.Sizes())
	assert.Equal(t, 1, v.Meta.Packed)
	assert.Equal(t, 2, v.Meta.ReceivedTotal())
}

func TestQuantityVectorMarshalKeepsFlatShape(t *testing.T) {
	v := NewQuantityVector(map[string]int{"M": 10, "L": 5})
	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"M":10,"L":5}`, string(b))

	v.Meta.Fabric = map[int]int{3: 12}
	b, err = json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"M":10,"L":5,"meta":{"fabric":{"3":12}}}`, string(b))
}

func TestQuantityVectorMinus(t *testing.T) {
	v := NewQuantityVector(map[string]int{"S": 5, "M": 3})

	left, shortfalls := v.Minus(NewQuantityVector(map[string]int{"M": 3}))
	assert.Empty(t, shortfalls)
	assert.Equal(t, map[string]int{"S": 5}, left.Counts)
	// receiver is untouched
	assert.Equal(t, 3, v.Get("M"))

	same, shortfalls := v.Minus(NewQuantityVector(map[string]int{"M": 4, "L": 1}))
	assert.Equal(t, []SizeShortfall{
		{Size: "L", Available: 0, Requested: 1},
		{Size: "M", Available: 3, Requested: 4},
	}, shortfalls)
	assert.Equal(t, v.Counts, same.Counts)
}

func TestQuantityVectorPlusFromEmpty(t *testing.T) {
	out := QuantityVector{}.Plus(NewQuantityVector(map[string]int{"S": 1}))
	assert.Equal(t, map[string]int{"S": 1}, out.Counts)
	assert.True(t, QuantityVector{}.IsZero())
	assert.True(t, NewQuantityVector(map[string]int{"S": 0}).IsZero())
}

func TestQuantityVectorMergeIsCommutative(t *testing.T) {
	a := NewQuantityVector(map[string]int{"S": 1})
	a.Meta.Fabric = map[int]int{1: 10}
	b := NewQuantityVector(map[string]int{"S": 2, "M": 1})
	b.Meta.Fabric = map[int]int{1: 5, 2: 3}
	b.Meta.Stock = map[int]int{9: 1}

	ab := a.Merge(b)
	ba := b.Merge(a)

	assert.Equal(t, ab.Counts, ba.Counts)
	assert.Equal(t, map[string]int{"S": 3, "M": 1}, ab.Counts)
	assert.Equal(t, map[int]int{1: 15, 2: 3}, ab.Meta.Fabric)
	assert.Equal(t, ab.Meta.Fabric, ba.Meta.Fabric)
	assert.Equal(t, ab.Meta.Stock, ba.Meta.Stock)
	// inputs keep their own bookkeeping
	assert.Equal(t, map[int]int{1: 10}, a.Meta.Fabric)
}

func TestQuantityVectorValidate(t *testing.T) {
	var ve *ValidationError

	err := NewQuantityVector(map[string]int{"meta": 1}).Validate("vector")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "vector", ve.Field)

	err = NewQuantityVector(map[string]int{"M": -1}).Validate("vector")
	require.ErrorAs(t, err, &ve)

	err = NewQuantityVector(map[string]int{" ": 1}).Validate("vector")
	require.ErrorAs(t, err, &ve)

	assert.NoError(t, NewQuantityVector(map[string]int{"M": 0, "XL": 4}).Validate("vector"))
}

func TestCountsOnlyDropsMetaAndZeroSizes(t *testing.T) {
	v := NewQuantityVector(map[string]int{"S": 0, "M": 2})
	v.Meta.Received = map[string]int{"M": 1}

	out := v.CountsOnly()
	assert.Equal(t, map[string]int{"M": 2}, out.Counts)
	assert.True(t, out.Meta.IsEmpty())
}
