package tiercache

import "sync"

// accountant tracks the total and remaining byte budget of the cache
// directory. Capacity is a logical quantity: it is never validated
// against the filesystem, and Reserve may drive remaining below zero.
type accountant struct {
	mu        sync.Mutex
	total     int64
	remaining int64
}

func newAccountant(total, usedAtStart int64) *accountant {
	return &accountant{
		total:     total,
		remaining: total - usedAtStart,
	}
}

func (a *accountant) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *accountant) Remaining() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining
}

// Reserve takes n bytes out of the budget. The result may be negative;
// the caller is responsible for restoring it via eviction or Release.
func (a *accountant) Reserve(n int64) {
	a.mu.Lock()
	a.remaining -= n
	a.mu.Unlock()
}

// Release returns n bytes to the budget.
func (a *accountant) Release(n int64) {
	a.mu.Lock()
	a.remaining += n
	a.mu.Unlock()
}

// HasRoom reports whether reserving n would keep remaining non-negative.
func (a *accountant) HasRoom(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining >= n
}

// TryReserve reserves n only if it fits. Check and commit happen under
// one lock so two concurrent admissions cannot both see the same room.
func (a *accountant) TryReserve(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remaining < n {
		return false
	}
	a.remaining -= n
	return true
}
