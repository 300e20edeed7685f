package collection

import (
	"encoding/json"
)

// SubscribeOptions configures SubscribeChanges.
type SubscribeOptions struct {
	IncludeInitialState bool
	// WhereExpression, when set, filters both the initial snapshot and
	// subsequent changes (spec §4.6 "subscribeChanges"). It is evaluated
	// row by row against each value; the collection's indexes are not
	// consulted for this filtering.
	WhereExpression whereEvaluator
}

// SubscribeChanges emits the current state (optionally filtered and
// optionally as an initial batch) and then every subsequent change, until
// the returned func is called.
func (c *Collection[T]) SubscribeChanges(cb func(Change[T]), opts SubscribeOptions) (unsubscribe func()) {
	c.mu.Lock()
	if c.autoIndex == "eager" && opts.WhereExpression != nil && c.status != StatusLoading && c.status != StatusInitialCommit {
		c.autoIndexLocked(opts.WhereExpression)
	}
	id := c.nextSub
	c.nextSub++
	sub := &subscription[T]{id: id, cb: cb, whereExpr: opts.WhereExpression}
	c.subscriptions[id] = sub
	var initial []Change[T]
	if opts.IncludeInitialState {
		initial = c.matchingInitialStateLocked(opts.WhereExpression)
	}
	c.mu.Unlock()

	for _, ch := range initial {
		cb(ch)
	}

	return func() {
		c.mu.Lock()
		delete(c.subscriptions, id)
		c.mu.Unlock()
	}
}

func (c *Collection[T]) matchingInitialStateLocked(where whereEvaluator) []Change[T] {
	out := make([]Change[T], 0, len(c.derivedState))
	for k, v := range c.derivedState {
		if where != nil {
			ok, err := where.EvalRow(toRow(v))
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, Change[T]{Type: Insert, Key: k, Value: v})
	}
	return out
}

// notify fans changes out to every subscriber whose where expression (if
// any) matches, without holding c.mu (spec §5: "derived change emissions
// are strictly after the causing state mutation").
func (c *Collection[T]) notify(changes []Change[T]) {
	if len(changes) == 0 {
		return
	}
	c.mu.RLock()
	subs := make([]*subscription[T], 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		for _, ch := range changes {
			if sub.whereExpr != nil {
				ok, err := sub.whereExpr.EvalRow(toRow(ch.Value))
				if err != nil || !ok {
					continue
				}
			}
			sub.cb(ch)
		}
	}
}

func toRow(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil {
		return nil
	}
	return m
}
