package assign

import (
	"errors"
	"sync"
	"testing"
)

func TestBudgetReserveCommit(t *testing.T) {
	b := NewBudget(1000)

	r, err := b.Reserve("primary", 600)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got := b.Available("external"); got != 400 {
		t.Errorf("Available(external) while pending = %d, want 400", got)
	}
	r.Commit()

	if got := b.Usage("primary"); got != 600 {
		t.Errorf("Usage(primary) = %d, want 600", got)
	}
	if got := b.Available("primary"); got != 1000 {
		t.Errorf("Available(primary) = %d, want 1000 (own share excluded)", got)
	}

	if _, err := b.Reserve("external", 500); !errors.Is(err, ErrExhausted) {
		t.Errorf("Reserve(external, 500) = %v, want ErrExhausted", err)
	}
}

func TestBudgetCancelKeepsPrevious(t *testing.T) {
	b := NewBudget(1000)

	r, _ := b.Reserve("primary", 300)
	r.Commit()

	r, err := b.Reserve("primary", 800)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got := b.Available("external"); got != 200 {
		t.Errorf("Available(external) = %d, want 200", got)
	}
	r.Cancel()
	r.Commit() // finished reservations are inert

	if got := b.Usage("primary"); got != 300 {
		t.Errorf("Usage(primary) = %d, want 300", got)
	}
	if got := b.Available("external"); got != 700 {
		t.Errorf("Available(external) = %d, want 700", got)
	}
}

func TestBudgetRelease(t *testing.T) {
	b := NewBudget(100)
	r, _ := b.Reserve("virtual", 100)
	r.Commit()
	b.Release("virtual")

	if got := b.Available("primary"); got != 100 {
		t.Errorf("Available() = %d, want 100", got)
	}
}

func TestBudgetUnlimited(t *testing.T) {
	b := NewBudget(0)
	if _, err := b.Reserve("primary", 1<<60); err != nil {
		t.Errorf("unlimited budget rejected reservation: %v", err)
	}
}

func TestBudgetConcurrentNoOverbooking(t *testing.T) {
	b := NewBudget(1000)
	owners := []string{"a", "b", "c", "d", "e"}

	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r, err := b.Reserve(owner, 300)
				if err != nil {
					continue
				}
				if i%2 == 0 {
					r.Commit()
				} else {
					r.Cancel()
				}
			}
		}(owner)
	}
	wg.Wait()

	var total uint64
	for _, owner := range owners {
		total += b.Usage(owner)
	}
	if total > b.Capacity() {
		t.Errorf("committed total %d exceeds capacity %d", total, b.Capacity())
	}
}
