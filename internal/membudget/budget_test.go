package membudget

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = 1 << 30

func fixedAvailable(n uint64) func() (uint64, error) {
	return func() (uint64, error) { return n, nil }
}

func TestCapForSplitsAcrossInFlight(t *testing.T) {
	b := New(fixedAvailable(10 * gib))

	c, err := b.CapFor(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*gib), c)

	_, err = b.Reserve(1*gib, 0)
	require.NoError(t, err)

	c, err = b.CapFor(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*gib), c)
}

func TestCapForRespectsRequestLimit(t *testing.T) {
	b := New(fixedAvailable(10 * gib))
	c, err := b.CapFor(512 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(512<<20), c)
}

func TestReserveExceeded(t *testing.T) {
	b := New(fixedAvailable(1 * gib))

	_, err := b.Reserve(900<<20, 0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Zero(t, b.Reserved())
	assert.Zero(t, b.InFlight())

	r, err := b.Reserve(600<<20, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(600<<20), b.Reserved())

	// Remaining total is below the second claim.
	_, err = b.Reserve(300<<20, 0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	r.Release()
	assert.Zero(t, b.Reserved())
}

func TestReleaseIdempotent(t *testing.T) {
	b := New(fixedAvailable(4 * gib))
	r, err := b.Reserve(1*gib, 0)
	require.NoError(t, err)

	r.Release()
	r.Release()
	assert.Zero(t, b.Reserved())
	assert.Zero(t, b.InFlight())
}

func TestReserveConcurrent(t *testing.T) {
	b := New(fixedAvailable(100 * gib))

	var wg sync.WaitGroup
	resCh := make(chan *Reservation, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := b.Reserve(1<<20, 0)
			if err == nil {
				resCh <- r
			}
		}()
	}
	wg.Wait()
	close(resCh)

	n := 0
	for r := range resCh {
		n++
		r.Release()
	}
	assert.Equal(t, 64, n)
	assert.Zero(t, b.Reserved())
	assert.Zero(t, b.InFlight())
}

func TestInstallRestores(t *testing.T) {
	b := New(fixedAvailable(2 * gib))
	restore := Install(b)
	assert.Same(t, b, Default())
	restore()
	assert.NotSame(t, b, Default())
}

func TestParseMemAvailable(t *testing.T) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		t.Skip("no /proc/meminfo")
	}
	defer f.Close()
	n, err := parseMemAvailable(f)
	require.NoError(t, err)
	assert.NotZero(t, n)
}
