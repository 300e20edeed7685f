package livequery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactivestore/collection"
	"reactivestore/query"
)

type person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func decodePerson(r query.Row) (person, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return person{}, err
	}
	var p person
	err = json.Unmarshal(b, &p)
	return p, err
}

func seedPeople(t *testing.T, people ...person) *collection.Collection[person] {
	t.Helper()
	c := collection.New[person](collection.Options[person]{ID: "people"})
	require.NoError(t, c.Begin())
	for _, p := range people {
		require.NoError(t, c.Write(collection.Insert, p.ID, p, nil))
	}
	require.NoError(t, c.Commit())
	return c
}

func TestLiveQuery_StartSeedsFromSnapshot(t *testing.T) {
	people := seedPeople(t,
		person{ID: "1", Name: "Ann", Age: 30},
		person{ID: "2", Name: "Bo", Age: 12},
	)

	b := query.From("p", "people").Where(query.Gte(query.P("age"), query.V(18)))
	lq, err := New[person](Options[person]{
		ID:          "adults",
		Query:       b,
		Collections: map[string]SourceCollection{"people": people},
		Decode:      decodePerson,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lq.Start(ctx))
	defer lq.Stop()

	assert.Equal(t, collection.StatusReady, lq.Collection.Status())
	state := lq.Collection.State()
	require.Contains(t, state, "1")
	assert.NotContains(t, state, "2")
}

func TestLiveQuery_EmptyResultSetStillReachesReady(t *testing.T) {
	people := seedPeople(t, person{ID: "1", Name: "Ann", Age: 5})

	b := query.From("p", "people").Where(query.Gte(query.P("age"), query.V(18)))
	lq, err := New[person](Options[person]{
		ID:          "adults",
		Query:       b,
		Collections: map[string]SourceCollection{"people": people},
		Decode:      decodePerson,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lq.Start(ctx))
	defer lq.Stop()

	assert.Equal(t, collection.StatusReady, lq.Collection.Status())
	assert.Empty(t, lq.Collection.State())
}

func TestLiveQuery_LiveUpdatePropagatesAfterStart(t *testing.T) {
	people := seedPeople(t, person{ID: "1", Name: "Ann", Age: 30})

	b := query.From("p", "people").Where(query.Gte(query.P("age"), query.V(18)))
	lq, err := New[person](Options[person]{
		ID:          "adults",
		Query:       b,
		Collections: map[string]SourceCollection{"people": people},
		Decode:      decodePerson,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lq.Start(ctx))
	defer lq.Stop()

	require.NoError(t, people.Begin())
	require.NoError(t, people.Write(collection.Insert, "2", person{ID: "2", Name: "Bo", Age: 22}, nil))
	require.NoError(t, people.Commit())

	assert.Eventually(t, func() bool {
		_, ok := lq.Collection.State()["2"]
		return ok
	}, time.Second, time.Millisecond)
}

func TestLiveQuery_MissingSourceErrorsAtConstruction(t *testing.T) {
	b := query.From("p", "people").Where(query.Gte(query.P("age"), query.V(18)))
	_, err := New[person](Options[person]{
		ID:     "adults",
		Query:  b,
		Decode: decodePerson,
	})
	require.Error(t, err)
}

func TestLiveQuery_NilDecodeErrorsAtConstruction(t *testing.T) {
	people := seedPeople(t, person{ID: "1", Name: "Ann", Age: 30})
	b := query.From("p", "people")
	_, err := New[person](Options[person]{
		ID:          "adults",
		Query:       b,
		Collections: map[string]SourceCollection{"people": people},
	})
	require.Error(t, err)
}

type record struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Name   string `json:"name"`
}

func decodeRecord(r query.Row) (record, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return record{}, err
	}
	var rec record
	err = json.Unmarshal(b, &rec)
	return rec, err
}

func seedRecords(t *testing.T, recs ...record) *collection.Collection[record] {
	t.Helper()
	c := collection.New[record](collection.Options[record]{ID: "records"})
	require.NoError(t, c.Begin())
	for _, r := range recs {
		require.NoError(t, c.Write(collection.Insert, r.ID, r, nil))
	}
	require.NoError(t, c.Commit())
	return c
}

// A mixed clause (one pushable conjunct, one that must stay in the
// dataflow) must filter the initial seed by both halves, not just the
// half ExtractPushdown left in Compiled.remaining.
func TestLiveQuery_MixedPushdownAndRemainingFilterBothApplyToSeed(t *testing.T) {
	records := seedRecords(t,
		record{ID: "1", Status: "inactive", Name: "Alexander"},
		record{ID: "2", Status: "active", Name: "Al"},
		record{ID: "3", Status: "active", Name: "Alexander"},
	)

	b := query.From("r", "records").Where(query.And(
		query.Eq(query.P("status"), query.V("active")),
		query.Gt(query.Length(query.P("name")), query.V(float64(4))),
	))
	lq, err := New[record](Options[record]{
		ID:          "matches",
		Query:       b,
		Collections: map[string]SourceCollection{"records": records},
		Decode:      decodeRecord,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lq.Start(ctx))
	defer lq.Stop()

	state := lq.Collection.State()
	assert.Len(t, state, 1)
	assert.Contains(t, state, "3")
}
