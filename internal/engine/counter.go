// Package engine drives a single gallery's upload end to end: it fans
// images out across a bounded worker pool, applies per-image retry policy,
// aggregates byte progress into shared counters, and produces one
// structured result.
package engine

import (
	"sync/atomic"
)

// AtomicCounter is a thread-safe byte accumulator. Many upload workers add
// to one counter concurrently; one instance exists per scope — one for the
// process lifetime, one per gallery (reset at gallery start) — and both
// are passed in explicitly, never reached through package state.
type AtomicCounter struct {
	n atomic.Int64
}

// NewCounter returns a zeroed counter.
func NewCounter() *AtomicCounter {
	return &AtomicCounter{}
}

// Add accumulates n bytes.
func (c *AtomicCounter) Add(n int64) {
	c.n.Add(n)
}

// Get returns the current total.
func (c *AtomicCounter) Get() int64 {
	return c.n.Load()
}

// Reset zeroes the counter.
func (c *AtomicCounter) Reset() {
	c.n.Store(0)
}
