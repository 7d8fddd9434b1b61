package worker

import "sync"

// MemoryBudget is the process-wide admission control for compaction jobs.
// Each job reserves its estimated working set before opening any input and
// releases the reservation when it finishes, successfully or not. A
// reservation that does not fit is refused, and the scheduler defers the
// job to a later cycle instead of running the process out of memory.
type MemoryBudget struct {
	mu       sync.Mutex
	capacity int64
	reserved int64
}

// NewMemoryBudget creates a budget with the given capacity in bytes.
func NewMemoryBudget(capacity int64) *MemoryBudget {
	return &MemoryBudget{capacity: capacity}
}

// Reserve claims n bytes. It reports false when the claim would exceed
// capacity, leaving the budget unchanged.
func (b *MemoryBudget) Reserve(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved+n > b.capacity {
		return false
	}
	b.reserved += n
	return true
}

// Release returns n bytes to the budget.
func (b *MemoryBudget) Release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved -= n
	if b.reserved < 0 {
		b.reserved = 0
	}
}

// Reserved returns the bytes currently claimed.
func (b *MemoryBudget) Reserved() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}

// Capacity returns the budget's total size in bytes.
func (b *MemoryBudget) Capacity() int64 {
	return b.capacity
}
