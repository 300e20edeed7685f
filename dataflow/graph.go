package dataflow

import "context"

// Input is the staged input of a Pipeline: callers call Send to queue a
// batch, and the queued batches are only delivered to the pipeline's sink
// when Run is called (spec §4.3: "inputs enqueue multisets, graph.run()
// propagates them... in topological order within a single logical
// step").
type Input[K comparable, V any] struct {
	pending []Batch[K, V]
}

// Send enqueues a batch to be delivered on the next Run.
func (in *Input[K, V]) Send(b Batch[K, V]) {
	if len(b) == 0 {
		return
	}
	in.pending = append(in.pending, b)
}

// Drain returns and clears the pending batches, preserving the order
// they were sent in.
func (in *Input[K, V]) Drain() []Batch[K, V] {
	out := in.pending
	in.pending = nil
	return out
}

// Stage is one step of a pipeline: a function from an upstream batch to
// a downstream batch. Pipeline composes a sequence of Stages into one,
// run in order — the topological order spec §4.3 requires, since a
// Pipeline only ever models a linear chain (the shape the query
// compiler emits; see query.Compile).
type Stage[K comparable, V any] func(Batch[K, V]) Batch[K, V]

// Pipeline runs a fixed sequence of stages over whatever batches
// an Input accumulates between Run calls, and hands the result to a
// sink.
type Pipeline[K comparable, V any] struct {
	input  *Input[K, V]
	stages []Stage[K, V]
	sink   func(context.Context, Batch[K, V]) error
}

// NewPipeline builds a Pipeline reading from input, applying stages in
// order, and handing the final batch to sink.
func NewPipeline[K comparable, V any](input *Input[K, V], sink func(context.Context, Batch[K, V]) error, stages ...Stage[K, V]) *Pipeline[K, V] {
	return &Pipeline[K, V]{input: input, stages: stages, sink: sink}
}

// Run drains the input and propagates every pending batch through the
// stage chain, in the order the batches were sent, calling sink once per
// batch. It is a no-op if nothing is pending.
func (p *Pipeline[K, V]) Run(ctx context.Context) error {
	for _, batch := range p.input.Drain() {
		for _, stage := range p.stages {
			batch = stage(batch)
		}
		if len(batch) == 0 {
			continue
		}
		if err := p.sink(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
