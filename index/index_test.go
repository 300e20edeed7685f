package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	ID  int
	Age int
}

func ageIndex() *Index[person, int, int] {
	return New[person, int, int]("age_idx", "age", func(p person) (int, bool) { return p.Age, true })
}

func TestIndex_RangeQueries(t *testing.T) {
	idx := ageIndex()
	items := map[int]person{
		1: {ID: 1, Age: 25},
		2: {ID: 2, Age: 30},
		3: {ID: 3, Age: 35},
	}
	require.NoError(t, idx.Build(items))

	gte30 := idx.Lookup(Gte, 30)
	assert.Len(t, gte30, 2)
	assert.Contains(t, gte30, 2)
	assert.Contains(t, gte30, 3)

	lt30 := idx.Lookup(Lt, 30)
	assert.Len(t, lt30, 1)
	assert.Contains(t, lt30, 1)

	eq := idx.Lookup(Eq, 30)
	assert.Len(t, eq, 1)

	in := idx.Lookup(In, 25, 35)
	assert.Len(t, in, 2)
}

func TestIndex_AddRemoveUpdate(t *testing.T) {
	idx := ageIndex()
	require.NoError(t, idx.Add(1, person{ID: 1, Age: 20}))
	require.NoError(t, idx.Add(2, person{ID: 2, Age: 20}))

	assert.Len(t, idx.Lookup(Eq, 20), 2)

	require.NoError(t, idx.Update(1, person{ID: 1, Age: 20}, person{ID: 1, Age: 40}))
	assert.Len(t, idx.Lookup(Eq, 20), 1)
	assert.Len(t, idx.Lookup(Eq, 40), 1)

	idx.Remove(2, person{ID: 2, Age: 20})
	assert.Len(t, idx.Lookup(Eq, 20), 0)
}

func TestIndex_RemoveEvaluationErrorIsSkippedNotFatal(t *testing.T) {
	idx := New[person, int, int]("age_idx", "age", func(p person) (int, bool) {
		if p.Age < 0 {
			panic("simulated evaluator failure")
		}
		return p.Age, true
	})
	require.NoError(t, idx.Add(1, person{ID: 1, Age: 10}))

	assert.NotPanics(t, func() {
		idx.Remove(99, person{ID: 99, Age: -1})
	})
	assert.Len(t, idx.Lookup(Eq, 10), 1)
}

func TestIndex_MatchesFieldAndStats(t *testing.T) {
	idx := ageIndex()
	assert.True(t, idx.MatchesField("age"))
	assert.False(t, idx.MatchesField("name"))

	require.NoError(t, idx.Add(1, person{ID: 1, Age: 10}))
	idx.Lookup(Eq, 10)
	lookups, updated := idx.Stats()
	assert.Equal(t, int64(1), lookups)
	assert.False(t, updated.IsZero())
}

func TestIndex_TieBreakPreservesInsertionOrder(t *testing.T) {
	idx := ageIndex()
	require.NoError(t, idx.Add(1, person{ID: 1, Age: 10}))
	require.NoError(t, idx.Add(2, person{ID: 2, Age: 10}))
	require.NoError(t, idx.Add(3, person{ID: 3, Age: 10}))

	set := idx.Lookup(Eq, 10)
	assert.Len(t, set, 3)
	require.Len(t, idx.ordered, 1)
	assert.Equal(t, []int{1, 2, 3}, idx.ordered[0].keys)
}
