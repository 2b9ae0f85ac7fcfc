// Package testutil provides deterministic test doubles and document
// fixtures shared across packages.
package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator generates sequential task IDs ("task-0001", "task-0002").
//
// Using fixed IDs instead of UUIDs makes graph shapes and golden snapshots
// byte-identical across runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedIDGenerator struct {
	mu sync.Mutex
	n  int
}

// NewFixedIDGenerator creates a generator starting at task-0001.
func NewFixedIDGenerator() *FixedIDGenerator {
	return &FixedIDGenerator{}
}

// NewID returns the next sequential ID.
func (g *FixedIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%04d", g.n)
}
