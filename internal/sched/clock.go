// Package sched executes a session's task graph: dependency-ordered,
// partially concurrent, bounded by the inference resource pool, resilient
// to individual capability failures.
package sched

import "sync/atomic"

// Clock is a monotonic logical clock. Every progress event and finding is
// stamped with a strictly increasing seq, making per-task ordering explicit
// without wall-clock races.
//
// Thread-safety: atomic, safe for concurrent use, though the scheduler's
// single-writer loop is usually the only caller.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0; the first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number. Each call returns a unique,
// increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
