// Package membudget tracks how much memory in-flight decoder processes
// may claim in total. Reservations are taken before a decoder is
// spawned and released exactly once when it is torn down.
package membudget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/docker/go-units"
)

// availableShare is the fraction of currently available system memory
// the budget hands out across all in-flight decoders.
const availableShare = 0.8

// ErrBudgetExceeded is returned when a reservation does not fit the
// remaining budget. The caller must fail the load without spawning.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// Budget is the process-wide cap on in-flight decoder memory. All
// methods are safe for concurrent use.
type Budget struct {
	mu        sync.Mutex
	available func() (uint64, error)
	reserved  uint64
	inFlight  int
}

// New returns a budget sized against the given available-memory probe.
// A nil probe uses /proc/meminfo MemAvailable.
func New(available func() (uint64, error)) *Budget {
	if available == nil {
		available = readMemAvailable
	}
	return &Budget{available: available}
}

var (
	defaultBudget     *Budget
	defaultBudgetOnce sync.Once
	defaultBudgetMu   sync.Mutex
)

// Default returns the shared process-wide budget.
func Default() *Budget {
	defaultBudgetMu.Lock()
	defer defaultBudgetMu.Unlock()
	defaultBudgetOnce.Do(func() {
		defaultBudget = New(nil)
	})
	return defaultBudget
}

// Install replaces the shared budget and returns a function restoring
// the previous one. Tests use this to run against a deterministic
// probe.
func Install(b *Budget) (restore func()) {
	defaultBudgetMu.Lock()
	defer defaultBudgetMu.Unlock()
	defaultBudgetOnce.Do(func() {})
	prev := defaultBudget
	defaultBudget = b
	return func() {
		defaultBudgetMu.Lock()
		defer defaultBudgetMu.Unlock()
		defaultBudget = prev
	}
}

// Reservation is one decoder's claim against the budget. Release is
// idempotent.
type Reservation struct {
	b        *Budget
	bytes    uint64
	released sync.Once
}

// Bytes returns the reserved size.
func (r *Reservation) Bytes() uint64 { return r.bytes }

// Release returns the reservation to the budget. Calling it more than
// once has no further effect.
func (r *Reservation) Release() {
	r.released.Do(func() {
		r.b.mu.Lock()
		defer r.b.mu.Unlock()
		r.b.reserved -= r.bytes
		r.b.inFlight--
	})
}

// CapFor computes the memory cap a new decoder would be granted:
// min(requestLimit, availableShare of available memory divided across
// in-flight decoders including the new one). A zero requestLimit means
// no per-request limit.
func (b *Budget) CapFor(requestLimit uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capForLocked(requestLimit)
}

func (b *Budget) capForLocked(requestLimit uint64) (uint64, error) {
	avail, err := b.available()
	if err != nil {
		return 0, fmt.Errorf("probe available memory: %w", err)
	}
	share := uint64(float64(avail) * availableShare / float64(b.inFlight+1))
	if requestLimit != 0 && requestLimit < share {
		share = requestLimit
	}
	return share, nil
}

// Reserve claims need bytes under a cap of requestLimit. It fails with
// ErrBudgetExceeded when need does not fit the computed cap or the
// remaining budget, without mutating any state.
func (b *Budget) Reserve(need, requestLimit uint64) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	grant, err := b.capForLocked(requestLimit)
	if err != nil {
		return nil, err
	}
	if need > grant {
		return nil, fmt.Errorf("%w: need %s, cap %s",
			ErrBudgetExceeded, units.BytesSize(float64(need)), units.BytesSize(float64(grant)))
	}
	avail, err := b.available()
	if err != nil {
		return nil, fmt.Errorf("probe available memory: %w", err)
	}
	total := uint64(float64(avail) * availableShare)
	if b.reserved+need > total {
		return nil, fmt.Errorf("%w: need %s, %s of %s already reserved",
			ErrBudgetExceeded, units.BytesSize(float64(need)),
			units.BytesSize(float64(b.reserved)), units.BytesSize(float64(total)))
	}
	b.reserved += need
	b.inFlight++
	return &Reservation{b: b, bytes: need}, nil
}

// Reserved returns the currently reserved total, for logging.
func (b *Budget) Reserved() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}

// InFlight returns the number of live reservations.
func (b *Budget) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}
