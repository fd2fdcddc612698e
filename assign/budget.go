package assign

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned when a reservation does not fit the budget.
var ErrExhausted = errors.New("assign: bandwidth budget exhausted")

// usage tracks one owner's share of the budget
type usage struct {
	committed uint64
	pending   uint64
}

func (u usage) load() uint64 {
	return max(u.committed, u.pending)
}

// Budget is a bandwidth budget shared by displays that sit on the same bus.
// An owner's committed share stays counted while a new reservation is pending,
// so a failed commit can fall back to the previous configuration.
type Budget struct {
	mu       sync.Mutex
	capacity uint64
	owners   map[string]*usage
}

// NewBudget creates a budget. A zero capacity means unlimited.
func NewBudget(capacity uint64) *Budget {
	return &Budget{
		capacity: capacity,
		owners:   make(map[string]*usage),
	}
}

// Capacity returns the total budget.
func (b *Budget) Capacity() uint64 {
	return b.capacity
}

// Available returns the headroom owner could reserve, counting everything
// held by the other owners.
func (b *Budget) Available(owner string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableLocked(owner)
}

func (b *Budget) availableLocked(owner string) uint64 {
	if b.capacity == 0 {
		return ^uint64(0)
	}
	var used uint64
	for name, u := range b.owners {
		if name == owner {
			continue
		}
		used += u.load()
	}
	if used >= b.capacity {
		return 0
	}
	return b.capacity - used
}

// Usage returns the committed share of owner.
func (b *Budget) Usage(owner string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.owners[owner]; ok {
		return u.committed
	}
	return 0
}

// Reservation is a pending share of the budget.
type Reservation struct {
	budget *Budget
	owner  string
	amount uint64
	done   bool
}

// Reserve sets aside amount for owner. The owner's previous committed share
// is replaced only when the reservation is committed.
func (b *Budget) Reserve(owner string, amount uint64) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if avail := b.availableLocked(owner); amount > avail {
		return nil, fmt.Errorf("%w: %s wants %d, %d available", ErrExhausted, owner, amount, avail)
	}

	u, ok := b.owners[owner]
	if !ok {
		u = &usage{}
		b.owners[owner] = u
	}
	u.pending = amount

	return &Reservation{budget: b, owner: owner, amount: amount}, nil
}

// Amount returns the reserved bandwidth.
func (r *Reservation) Amount() uint64 {
	return r.amount
}

// Commit makes the reservation the owner's committed share.
func (r *Reservation) Commit() {
	r.finish(true)
}

// Cancel drops the reservation, keeping the previous committed share.
func (r *Reservation) Cancel() {
	r.finish(false)
}

func (r *Reservation) finish(commit bool) {
	if r == nil || r.done {
		return
	}
	r.done = true

	b := r.budget
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.owners[r.owner]
	if !ok {
		return
	}
	if commit {
		u.committed = r.amount
	}
	u.pending = 0
	if u.committed == 0 {
		delete(b.owners, r.owner)
	}
}

// Release drops everything owner holds.
func (b *Budget) Release(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.owners, owner)
}
