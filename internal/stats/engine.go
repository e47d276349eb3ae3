// Package stats maintains a bounded, time-ordered window of price bars and
// derives multi-length moving averages and deviations from it.
package stats

import (
	"context"

	"github.com/google/btree"

	"github.com/rewired-gh/barstats/internal/models"
)

const btreeDegree = 32

// MovingStatistics owns a fixed-capacity window of bars keyed by time.
// Update takes exclusive access; Means, Deviations and the other readers take
// shared access and may run concurrently with each other.
type MovingStatistics struct {
	capacity int
	gate     *gate
	window   *btree.BTreeG[models.Bar]
}

// New creates an empty engine holding at most capacity bars.
// A negative capacity is treated as 0.
func New(capacity int) *MovingStatistics {
	if capacity < 0 {
		capacity = 0
	}
	return &MovingStatistics{
		capacity: capacity,
		gate:     newGate(),
		window: btree.NewG(btreeDegree, func(a, b models.Bar) bool {
			return a.Time < b.Time
		}),
	}
}

// Capacity returns the configured universe window.
func (m *MovingStatistics) Capacity() int {
	return m.capacity
}

// Update inserts bar and returns the bar evicted to make room for it, if any.
// Once the window is full the oldest bar is removed before the insert. A bar
// whose time is already present replaces that entry without eviction. With
// capacity 0 the bar itself is reported as evicted.
func (m *MovingStatistics) Update(ctx context.Context, bar models.Bar) (*models.Bar, error) {
	var evicted *models.Bar
	err := m.gate.write(ctx, func() error {
		if m.capacity == 0 {
			evicted = &bar
			return nil
		}
		if !m.window.Has(bar) && m.window.Len() >= m.capacity {
			if oldest, ok := m.window.DeleteMin(); ok {
				evicted = &oldest
			}
		}
		m.window.ReplaceOrInsert(bar)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Len returns the number of bars currently held.
func (m *MovingStatistics) Len(ctx context.Context) (int, error) {
	var n int
	err := m.gate.read(ctx, func() error {
		n = m.window.Len()
		return nil
	})
	return n, err
}

// Snapshot returns a copy of the window in ascending time order.
func (m *MovingStatistics) Snapshot(ctx context.Context) ([]models.Bar, error) {
	var bars []models.Bar
	err := m.gate.read(ctx, func() error {
		bars = m.snapshotLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// Means computes the moving average of every requested window length over the
// current window. The result for length L holds n-L+1 bars, earliest window
// first, or none when fewer than L bars are held.
func (m *MovingStatistics) Means(ctx context.Context, lengths []int) (map[int][]models.Bar, error) {
	if err := m.checkLengths(lengths); err != nil {
		return nil, err
	}
	bars, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return movingMeans(bars, lengths), nil
}

// Deviations computes, for each window length in means, the mean absolute
// deviation of the bars inside each moving window from that window's average.
// Every sequence in means must have been computed against the current window:
// its length must be n-L+1 (0 when L > n).
func (m *MovingStatistics) Deviations(ctx context.Context, means map[int][]models.Bar) (map[int][]models.Bar, error) {
	lengths := make([]int, 0, len(means))
	for l := range means {
		lengths = append(lengths, l)
	}
	if err := m.checkLengths(lengths); err != nil {
		return nil, err
	}

	var out map[int][]models.Bar
	err := m.gate.read(ctx, func() error {
		n := m.window.Len()
		for l, avg := range means {
			if expected := resultLen(n, l); len(avg) != expected {
				return &LengthMismatchError{Window: l, Expected: expected, Actual: len(avg)}
			}
		}
		out = meanAbsoluteDeviations(m.snapshotLocked(), means)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MeansAndDeviations computes Means and Deviations for lengths from one
// consistent view of the window. Once the window is full an Update between
// separate Means and Deviations calls keeps n unchanged, so only a single
// read can guarantee both results describe the same bars.
func (m *MovingStatistics) MeansAndDeviations(ctx context.Context, lengths []int) (means, devs map[int][]models.Bar, err error) {
	if err := m.checkLengths(lengths); err != nil {
		return nil, nil, err
	}
	err = m.gate.read(ctx, func() error {
		bars := m.snapshotLocked()
		means = movingMeans(bars, lengths)
		devs = meanAbsoluteDeviations(bars, means)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return means, devs, nil
}

func (m *MovingStatistics) checkLengths(lengths []int) error {
	for _, l := range lengths {
		if l <= 0 {
			return &InvalidWindowError{Window: l}
		}
		if l > m.capacity {
			return &WindowTooLargeError{Window: l, Capacity: m.capacity}
		}
	}
	return nil
}

func (m *MovingStatistics) snapshotLocked() []models.Bar {
	bars := make([]models.Bar, 0, m.window.Len())
	m.window.Ascend(func(b models.Bar) bool {
		bars = append(bars, b)
		return true
	})
	return bars
}
