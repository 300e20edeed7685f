package dataflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFilterNegateConcatConsolidate(t *testing.T) {
	in := Batch[int, int]{{Key: 1, Value: 2, Mult: 1}, {Key: 1, Value: 3, Mult: 1}}

	mapped := Map(in, func(v int) int { return v * 10 })
	assert.Equal(t, Batch[int, int]{{1, 20, 1}, {1, 30, 1}}, mapped)

	filtered := Filter(in, func(v int) bool { return v > 2 })
	assert.Len(t, filtered, 1)
	assert.Equal(t, 3, filtered[0].Value)

	negated := Negate(in)
	assert.Equal(t, Mult(-1), negated[0].Mult)

	concatenated := Concat(in, negated)
	consolidated := Consolidate(concatenated)
	assert.Empty(t, consolidated, "insert immediately canceled by its own negation")
}

func TestDistinct_EmitsOnceAndRetracts(t *testing.T) {
	d := NewDistinct[string, int]()

	out := d.Process(Batch[string, int]{
		{Key: "g", Value: 1, Mult: 1},
		{Key: "g", Value: 1, Mult: 1}, // duplicate: no new emission
	})
	require.Len(t, out, 1)
	assert.Equal(t, Mult(1), out[0].Mult)

	out = d.Process(Batch[string, int]{{Key: "g", Value: 1, Mult: -1}})
	assert.Empty(t, out, "one remaining copy still present")

	out = d.Process(Batch[string, int]{{Key: "g", Value: 1, Mult: -1}})
	require.Len(t, out, 1)
	assert.Equal(t, Mult(-1), out[0].Mult)
}

func TestReduce_RetractForwardOnGroupChange(t *testing.T) {
	r := NewReduce[string, int, int](Count[int])

	out := r.Process(Batch[string, int]{{Key: "g", Value: 1, Mult: 1}, {Key: "g", Value: 2, Mult: 1}})
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Value)
	assert.Equal(t, Mult(1), out[0].Mult)

	out = r.Process(Batch[string, int]{{Key: "g", Value: 3, Mult: 1}})
	require.Len(t, out, 2, "expect retract old aggregate then insert new")
	assert.Equal(t, Mult(-1), out[0].Mult)
	assert.Equal(t, 2, out[0].Value)
	assert.Equal(t, Mult(1), out[1].Mult)
	assert.Equal(t, 3, out[1].Value)
}

type orderRow struct {
	OrderID    int
	CustomerID int
}
type customerRow struct {
	CustomerID int
	Name       string
}
type joined struct {
	OrderID int
	Name    string
}

func TestJoin_InnerIncremental(t *testing.T) {
	j := NewJoin[int, orderRow, customerRow, joined](func(o orderRow, c customerRow) joined {
		return joined{OrderID: o.OrderID, Name: c.Name}
	})

	out := j.ProcessRight(Batch[int, customerRow]{{Key: 1, Value: customerRow{1, "Ada"}, Mult: 1}})
	assert.Empty(t, out)

	out = j.ProcessLeft(Batch[int, orderRow]{{Key: 1, Value: orderRow{100, 1}, Mult: 1}})
	require.Len(t, out, 1)
	assert.Equal(t, joined{100, "Ada"}, out[0].Value)
	assert.Equal(t, Mult(1), out[0].Mult)
}

func TestJoin_AntijoinForOuterJoin(t *testing.T) {
	j := NewJoin[int, orderRow, customerRow, joined](func(o orderRow, c customerRow) joined {
		return joined{OrderID: o.OrderID, Name: c.Name}
	})
	j.ProcessLeft(Batch[int, orderRow]{{Key: 2, Value: orderRow{200, 2}, Mult: 1}})

	unmatched := Antijoin(Batch[int, orderRow]{{Key: 2, Value: orderRow{200, 2}, Mult: 1}}, j.HasRight)
	assert.Len(t, unmatched, 1, "order 200 has no matching customer yet")

	j.ProcessRight(Batch[int, customerRow]{{Key: 2, Value: customerRow{2, "Bo"}, Mult: 1}})
	unmatched = Antijoin(Batch[int, orderRow]{{Key: 2, Value: orderRow{200, 2}, Mult: 1}}, j.HasRight)
	assert.Empty(t, unmatched, "now matched, so excluded from the antijoin side")
}

func TestTopK_ShiftOnInsert(t *testing.T) {
	topK := NewTopK[string, string](func(a, b string) bool { return a < b }, 0, 3)

	initial := topK.Process(Batch[string, string]{
		{Key: "g", Value: "c", Mult: 1},
		{Key: "g", Value: "d", Mult: 1},
		{Key: "g", Value: "e", Mult: 1},
	})
	require.Len(t, initial, 3)

	delta := topK.Process(Batch[string, string]{{Key: "g", Value: "a", Mult: 1}})
	require.Len(t, delta, 2)

	var deleted, inserted Ranked[string]
	for _, d := range delta {
		if d.Mult < 0 {
			deleted = d.Value
		} else {
			inserted = d.Value
		}
	}
	assert.Equal(t, "e", deleted.Value)
	assert.Equal(t, "a", inserted.Value)

	window := topK.windows["g"]
	require.Len(t, window, 3)
	assert.Equal(t, "a", window[0].value)
	assert.Equal(t, "c", window[1].value)
	assert.Equal(t, "d", window[2].value)
	assert.True(t, window[0].frac < window[1].frac)
	assert.True(t, window[1].frac < window[2].frac)
}

func TestFracIndexBetween_OrdersCorrectly(t *testing.T) {
	mid := FracIndexBetween("", "")
	assert.NotEmpty(t, mid)

	low := FracIndexBetween("", mid)
	high := FracIndexBetween(mid, "")
	assert.True(t, low < mid)
	assert.True(t, mid < high)

	betweenAdjacent := FracIndexBetween("M", "N")
	assert.True(t, betweenAdjacent > "M")
	assert.True(t, betweenAdjacent < "N")
}

func TestPipeline_RunPropagatesInOrder(t *testing.T) {
	input := &Input[string, int]{}
	var seen []Batch[string, int]
	p := NewPipeline(input, func(_ context.Context, b Batch[string, int]) error {
		seen = append(seen, b)
		return nil
	}, func(b Batch[string, int]) Batch[string, int] {
		return Map(b, func(v int) int { return v + 1 })
	})

	input.Send(Batch[string, int]{{Key: "k", Value: 1, Mult: 1}})
	input.Send(Batch[string, int]{{Key: "k", Value: 2, Mult: 1}})

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, seen, 2)
	assert.Equal(t, 2, seen[0][0].Value)
	assert.Equal(t, 3, seen[1][0].Value)
}
