package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// VectorMetaKey is the reserved key holding bookkeeping in the persisted vector shape.
// It is never a size.
const VectorMetaKey = "meta"

// VectorMeta is the audit bookkeeping carried next to the per-size counts.
type VectorMeta struct {
	// fabric roll id -> length consumed to cut these pieces
	Fabric map[int]int `json:"fabric,omitempty"`
	// sellable stock id -> pieces taken from it
	Stock map[int]int `json:"stock,omitempty"`
	// size -> cumulative pieces returned by an external fabricator
	Received map[string]int `json:"received,omitempty"`
	// YYYY-MM-DD -> pieces returned that day
	ReceivedByDate map[string]int `json:"received_by_date,omitempty"`
	// cumulative pieces already packed from the received quantity
	Packed      int            `json:"packed_qty,omitempty"`
	PackedSizes map[string]int `json:"packed_sizes,omitempty"`
}

func (m VectorMeta) IsEmpty() bool {
	return len(m.Fabric) == 0 && len(m.Stock) == 0 && len(m.Received) == 0 &&
		len(m.ReceivedByDate) == 0 && m.Packed == 0 && len(m.PackedSizes) == 0
}

func (m VectorMeta) Clone() VectorMeta {
	return VectorMeta{
		Fabric:         cloneMap(m.Fabric),
		Stock:          cloneMap(m.Stock),
		Received:       cloneMap(m.Received),
		ReceivedByDate: cloneMap(m.ReceivedByDate),
		Packed:         m.Packed,
		PackedSizes:    cloneMap(m.PackedSizes),
	}
}

func (m VectorMeta) ReceivedTotal() int {
	total := 0
	for _, n := range m.Received {
		total += n
	}
	return total
}

// QuantityVector maps size labels to piece counts plus bookkeeping metadata.
// Counts are never negative and Meta never takes part in totals.
type QuantityVector struct {
	Counts map[string]int
	Meta   VectorMeta
}

type SizeShortfall struct {
	Size      string `json:"size"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func NewQuantityVector(counts map[string]int) QuantityVector {
	return QuantityVector{Counts: cloneMap(counts)}
}

func (v QuantityVector) Get(size string) int {
	return v.Counts[size]
}

// Total sums the per-size counts, excluding bookkeeping.
func (v QuantityVector) Total() int {
	total := 0
	for _, n := range v.Counts {
		total += n
	}
	return total
}

func (v QuantityVector) IsZero() bool {
	for _, n := range v.Counts {
		if n != 0 {
			return false
		}
	}
	return true
}

func (v QuantityVector) Sizes() []string {
	sizes := make([]string, 0, len(v.Counts))
	for size := range v.Counts {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)
	return sizes
}

func (v QuantityVector) Clone() QuantityVector {
	return QuantityVector{Counts: cloneMap(v.Counts), Meta: v.Meta.Clone()}
}

// CountsOnly drops bookkeeping and zero sizes.
func (v QuantityVector) CountsOnly() QuantityVector {
	out := QuantityVector{Counts: make(map[string]int, len(v.Counts))}
	for size, n := range v.Counts {
		if n != 0 {
			out.Counts[size] = n
		}
	}
	return out
}

// Plus adds other's counts element-wise. v's bookkeeping is kept.
func (v QuantityVector) Plus(other QuantityVector) QuantityVector {
	out := v.Clone()
	if out.Counts == nil {
		out.Counts = make(map[string]int, len(other.Counts))
	}
	for size, n := range other.Counts {
		out.Counts[size] += n
	}
	return out
}

// Merge adds other's counts and fabric/stock usage. Used when pooling cut output.
func (v QuantityVector) Merge(other QuantityVector) QuantityVector {
	out := v.Plus(other)
	out.Meta.Fabric = sumMaps(out.Meta.Fabric, other.Meta.Fabric)
	out.Meta.Stock = sumMaps(out.Meta.Stock, other.Meta.Stock)
	return out
}

// Minus subtracts other's counts. When any size would go negative the shortfalls are
// returned and v is returned unchanged. Sizes reaching zero are dropped.
func (v QuantityVector) Minus(other QuantityVector) (QuantityVector, []SizeShortfall) {
	if shortfalls := v.Shortfalls(other); len(shortfalls) > 0 {
		return v, shortfalls
	}
	out := v.Clone()
	for size, n := range other.Counts {
		out.Counts[size] -= n
		if out.Counts[size] == 0 {
			delete(out.Counts, size)
		}
	}
	return out, nil
}

// Shortfalls lists every size where requested exceeds v.
func (v QuantityVector) Shortfalls(requested QuantityVector) []SizeShortfall {
	var shortfalls []SizeShortfall
	for _, size := range requested.Sizes() {
		want := requested.Counts[size]
		if want > v.Counts[size] {
			shortfalls = append(shortfalls, SizeShortfall{Size: size, Available: v.Counts[size], Requested: want})
		}
	}
	return shortfalls
}

// Covers reports whether every size of requested fits into v.
func (v QuantityVector) Covers(requested QuantityVector) bool {
	return len(v.Shortfalls(requested)) == 0
}

// Validate checks size labels and non-negative counts.
func (v QuantityVector) Validate(field string) error {
	for size, n := range v.Counts {
		if strings.TrimSpace(size) == "" {
			return &ValidationError{Field: field, Message: "size label cannot be empty"}
		}
		if size == VectorMetaKey {
			return &ValidationError{Field: field, Message: fmt.Sprintf("%q is reserved and cannot be used as a size", VectorMetaKey)}
		}
		if n < 0 {
			return &ValidationError{Field: field, Message: fmt.Sprintf("size %s cannot be negative", size)}
		}
	}
	return nil
}

// SumVectors adds the counts of all given vectors.
func SumVectors(vectors ...QuantityVector) QuantityVector {
	out := QuantityVector{Counts: map[string]int{}}
	for _, v := range vectors {
		for size, n := range v.Counts {
			out.Counts[size] += n
		}
	}
	return out
}

// MarshalJSON writes the flat `size -> count` object with bookkeeping under "meta".
func (v QuantityVector) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(v.Counts)+1)
	for size, n := range v.Counts {
		out[size] = n
	}
	if !v.Meta.IsEmpty() {
		out[VectorMetaKey] = v.Meta
	}
	return json.Marshal(out)
}

func (v *QuantityVector) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Counts = make(map[string]int, len(raw))
	v.Meta = VectorMeta{}
	for key, value := range raw {
		if key == VectorMetaKey {
			if err := json.Unmarshal(value, &v.Meta); err != nil {
				return fmt.Errorf("quantity vector meta: %w", err)
			}
			continue
		}
		var n int
		if err := json.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("quantity vector size %q: %w", key, err)
		}
		v.Counts[key] = n
	}
	return nil
}

// Value implements the driver.Valuer interface
func (v QuantityVector) Value() (driver.Value, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (v *QuantityVector) Scan(value interface{}) error {
	switch data := value.(type) {
	case nil:
		*v = QuantityVector{Counts: map[string]int{}}
		return nil
	case []byte:
		return v.UnmarshalJSON(data)
	case string:
		return v.UnmarshalJSON([]byte(data))
	default:
		return errors.New("failed to scan quantity vector")
	}
}

// GormDataType stores vectors in a json column.
func (QuantityVector) GormDataType() string {
	return "json"
}

func cloneMap[K comparable](m map[K]int) map[K]int {
	if m == nil {
		return nil
	}
	out := make(map[K]int, len(m))
	for k, n := range m {
		out[k] = n
	}
	return out
}

func sumMaps[K comparable](a, b map[K]int) map[K]int {
	if len(b) == 0 {
		return a
	}
	if a == nil {
		a = make(map[K]int, len(b))
	}
	for k, n := range b {
		a[k] += n
	}
	return a
}
