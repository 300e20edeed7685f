package sync

import (
	"reactivestore/collection"
)

type item struct {
	ID   string
	Name string
}

// recordedWrite is one Write call captured by fakeTarget, in commit order.
type recordedWrite struct {
	typ   collection.MutationType
	key   string
	value item
}

// fakeTarget is a minimal Target[item] double recording begin/write/commit
// calls without any of Collection's overlay/index machinery, so adapter
// tests can assert on exactly what was sent without depending on
// collection's own behavior.
type fakeTarget struct {
	open    bool
	batches [][]recordedWrite
	current []recordedWrite
}

func (f *fakeTarget) Begin() error {
	f.open = true
	f.current = nil
	return nil
}

func (f *fakeTarget) Write(typ collection.MutationType, key string, value item, _ any) error {
	f.current = append(f.current, recordedWrite{typ: typ, key: key, value: value})
	return nil
}

func (f *fakeTarget) Commit() error {
	f.batches = append(f.batches, f.current)
	f.current = nil
	f.open = false
	return nil
}

// last returns the most recently committed batch.
func (f *fakeTarget) last() []recordedWrite {
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}
