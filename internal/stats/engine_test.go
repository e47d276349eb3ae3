package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/barstats/internal/models"
)

// indexBar returns a bar whose every field equals i.
func indexBar(i int) models.Bar {
	f := float64(i)
	return models.Bar{
		Time: int64(i), Open: f, High: f, Low: f, Close: f, VWAP: f, Volume: f, Count: int64(i),
	}
}

func newFilledEngine(t *testing.T, capacity, bars int) *MovingStatistics {
	t.Helper()
	m := New(capacity)
	for i := 0; i < bars; i++ {
		if _, err := m.Update(context.Background(), indexBar(i)); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	return m
}

func TestUpdate_ZeroCapacity(t *testing.T) {
	m := New(0)
	ctx := context.Background()

	evicted, err := m.Update(ctx, models.ZeroBar())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if evicted == nil {
		t.Fatal("capacity 0 should report the inserted bar as evicted")
	}
	if *evicted != models.ZeroBar() {
		t.Errorf("evicted: got %+v, want zero bar", *evicted)
	}

	evicted, err = m.Update(ctx, indexBar(5))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if evicted == nil || *evicted != indexBar(5) {
		t.Errorf("evicted: got %+v, want bar 5", evicted)
	}
	if n, _ := m.Len(ctx); n != 0 {
		t.Errorf("capacity 0 window holds %d bars, want 0", n)
	}
}

func TestUpdate_SingleCapacity(t *testing.T) {
	m := New(1)
	ctx := context.Background()

	evicted, err := m.Update(ctx, indexBar(1))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if evicted != nil {
		t.Errorf("first update should not evict, got %+v", *evicted)
	}

	evicted, err = m.Update(ctx, indexBar(2))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if evicted == nil || *evicted != indexBar(1) {
		t.Errorf("second update should evict bar 1, got %+v", evicted)
	}
}

func TestUpdate_EvictsOldestOnceFull(t *testing.T) {
	const capacity = 5
	m := New(capacity)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		evicted, err := m.Update(ctx, indexBar(i))
		if err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		if i < capacity {
			if evicted != nil {
				t.Errorf("update %d: unexpected eviction of %+v before capacity reached", i, *evicted)
			}
		} else {
			if evicted == nil {
				t.Fatalf("update %d: expected eviction", i)
			}
			if evicted.Time != int64(i-capacity) {
				t.Errorf("update %d: evicted time %d, want %d", i, evicted.Time, i-capacity)
			}
		}

		n, err := m.Len(ctx)
		if err != nil {
			t.Fatalf("Len: %v", err)
		}
		if n > capacity {
			t.Fatalf("window size %d exceeds capacity %d", n, capacity)
		}
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for i, b := range snap {
		if b.Time != int64(15+i) {
			t.Errorf("snapshot[%d].Time = %d, want %d", i, b.Time, 15+i)
		}
	}
}

func TestUpdate_DuplicateTimeOverwrites(t *testing.T) {
	m := newFilledEngine(t, 3, 3)
	ctx := context.Background()

	replacement := indexBar(1)
	replacement.Close = 99

	evicted, err := m.Update(ctx, replacement)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if evicted != nil {
		t.Errorf("overwrite should not evict, got %+v", *evicted)
	}

	snap, _ := m.Snapshot(ctx)
	if len(snap) != 3 {
		t.Fatalf("window size: got %d, want 3", len(snap))
	}
	if snap[1].Close != 99 {
		t.Errorf("bar at time 1 not overwritten: close=%v", snap[1].Close)
	}
}

func TestUpdate_OutOfOrderKeepsTimeOrder(t *testing.T) {
	m := New(4)
	ctx := context.Background()
	for _, ts := range []int{30, 10, 20} {
		if _, err := m.Update(ctx, indexBar(ts)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	snap, _ := m.Snapshot(ctx)
	want := []int64{10, 20, 30}
	for i, b := range snap {
		if b.Time != want[i] {
			t.Errorf("snapshot[%d].Time = %d, want %d", i, b.Time, want[i])
		}
	}
}

func TestMeans_RejectsWindowAboveCapacity(t *testing.T) {
	// The window is nowhere near full; the request must still fail.
	m := newFilledEngine(t, 10, 2)

	_, err := m.Means(context.Background(), []int{2, 11})
	var tooLarge *WindowTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected WindowTooLargeError, got %v", err)
	}
	if tooLarge.Window != 11 || tooLarge.Capacity != 10 {
		t.Errorf("error fields: got window=%d capacity=%d", tooLarge.Window, tooLarge.Capacity)
	}
	if !IsDomainError(err) {
		t.Error("window too large should be a domain error")
	}
}

func TestMeans_RejectsNonPositiveWindow(t *testing.T) {
	m := newFilledEngine(t, 10, 10)
	for _, l := range []int{0, -3} {
		_, err := m.Means(context.Background(), []int{l})
		var invalid *InvalidWindowError
		if !errors.As(err, &invalid) {
			t.Errorf("window %d: expected InvalidWindowError, got %v", l, err)
		}
	}
}

func TestMeans_PrefixSumLaw(t *testing.T) {
	m := newFilledEngine(t, 100, 100)

	means, err := m.Means(context.Background(), []int{1, 2, 100})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}

	t.Run("length 1 returns the window", func(t *testing.T) {
		got := means[1]
		if len(got) != 100 {
			t.Fatalf("len: got %d, want 100", len(got))
		}
		for i, b := range got {
			if b != indexBar(i) {
				t.Errorf("means[1][%d] = %+v, want %+v", i, b, indexBar(i))
			}
		}
	})

	t.Run("length 2 returns pairwise averages", func(t *testing.T) {
		got := means[2]
		if len(got) != 99 {
			t.Fatalf("len: got %d, want 99", len(got))
		}
		for i, b := range got {
			want := float64(2*i+1) / 2
			if b.Open != want || b.Close != want || b.Volume != want {
				t.Errorf("means[2][%d]: got open=%v close=%v volume=%v, want %v", i, b.Open, b.Close, b.Volume, want)
			}
			if b.Time != int64(i) || b.Count != int64(i) {
				t.Errorf("means[2][%d]: integer fields got time=%d count=%d, want %d", i, b.Time, b.Count, i)
			}
		}
	})

	t.Run("full length returns the overall mean", func(t *testing.T) {
		got := means[100]
		if len(got) != 1 {
			t.Fatalf("len: got %d, want 1", len(got))
		}
		b := got[0]
		for name, v := range map[string]float64{
			"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close, "vwap": b.VWAP, "volume": b.Volume,
		} {
			if v != 49.5 {
				t.Errorf("%s: got %v, want 49.5", name, v)
			}
		}
		if b.Time != 49 || b.Count != 49 {
			t.Errorf("integer fields: got time=%d count=%d, want 49", b.Time, b.Count)
		}
	})
}

func TestMeans_ResultLength(t *testing.T) {
	m := newFilledEngine(t, 50, 30)
	lengths := []int{1, 3, 7, 29, 30, 31, 50}

	means, err := m.Means(context.Background(), lengths)
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	for _, l := range lengths {
		want := 30 - l + 1
		if l > 30 {
			want = 0
		}
		got, ok := means[l]
		if !ok {
			t.Errorf("missing result for window %d", l)
			continue
		}
		if len(got) != want {
			t.Errorf("window %d: got %d values, want %d", l, len(got), want)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Close <= got[i-1].Close {
				t.Errorf("window %d: results not in chronological order at %d", l, i)
				break
			}
		}
	}
}

func TestMeans_MatchesNaiveAverage(t *testing.T) {
	m := New(12)
	ctx := context.Background()
	closes := []float64{10, 12, 11, 15, 14, 13, 18, 17, 16, 20, 19, 21}
	for i, c := range closes {
		bar := models.Bar{Time: int64(1000 + 60*i), Open: c - 1, High: c + 1, Low: c - 2, Close: c, VWAP: c, Volume: float64(i + 1), Count: int64(10 * (i + 1))}
		if _, err := m.Update(ctx, bar); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	means, err := m.Means(ctx, []int{4})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	for i, got := range means[4] {
		var sum float64
		for _, c := range closes[i : i+4] {
			sum += c
		}
		if want := sum / 4; got.Close != want {
			t.Errorf("means[4][%d].Close = %v, want %v", i, got.Close, want)
		}
	}
}

func TestMeans_DoesNotMutateWindow(t *testing.T) {
	m := newFilledEngine(t, 20, 15)
	ctx := context.Background()

	before, _ := m.Snapshot(ctx)
	first, err := m.Means(ctx, []int{3, 5})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	second, err := m.Means(ctx, []int{3, 5})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	after, _ := m.Snapshot(ctx)

	if len(before) != len(after) {
		t.Fatalf("window size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("window[%d] changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	for _, l := range []int{3, 5} {
		if len(first[l]) != len(second[l]) {
			t.Fatalf("window %d: result length differs between calls", l)
		}
		for i := range first[l] {
			if first[l][i] != second[l][i] {
				t.Errorf("window %d: result %d differs between calls", l, i)
			}
		}
	}
}

func TestDeviations_MeanAbsoluteDeviation(t *testing.T) {
	m := newFilledEngine(t, 100, 100)
	ctx := context.Background()

	means, err := m.Means(ctx, []int{1, 2, 100})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	devs, err := m.Deviations(ctx, means)
	if err != nil {
		t.Fatalf("Deviations: %v", err)
	}

	for i, d := range devs[1] {
		if d != models.ZeroBar() {
			t.Errorf("devs[1][%d] = %+v, want zero", i, d)
		}
	}

	if len(devs[2]) != 99 {
		t.Fatalf("devs[2] len: got %d, want 99", len(devs[2]))
	}
	for i, d := range devs[2] {
		if d.Close != 0.5 || d.Volume != 0.5 {
			t.Errorf("devs[2][%d]: got close=%v volume=%v, want 0.5", i, d.Close, d.Volume)
		}
		// mean time is i (integer division), so |i-i| + |i+1-i| = 1, 1/2 = 0
		if d.Time != 0 {
			t.Errorf("devs[2][%d].Time = %d, want 0", i, d.Time)
		}
	}

	if len(devs[100]) != 1 {
		t.Fatalf("devs[100] len: got %d, want 1", len(devs[100]))
	}
	if d := devs[100][0]; d.Close != 25 || d.Time != 25 || d.Count != 25 {
		t.Errorf("devs[100][0]: got close=%v time=%d count=%d, want 25", d.Close, d.Time, d.Count)
	}
}

func TestDeviations_LengthMismatch(t *testing.T) {
	m := newFilledEngine(t, 10, 5)
	ctx := context.Background()

	means, err := m.Means(ctx, []int{3})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	// Window grows after the means were computed.
	if _, err := m.Update(ctx, indexBar(5)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err = m.Deviations(ctx, means)
	var mismatch *LengthMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected LengthMismatchError, got %v", err)
	}
	if mismatch.Window != 3 || mismatch.Expected != 4 || mismatch.Actual != 3 {
		t.Errorf("mismatch fields: %+v", mismatch)
	}
}

func TestDeviations_WindowLargerThanHeld(t *testing.T) {
	m := newFilledEngine(t, 10, 4)
	ctx := context.Background()

	means, err := m.Means(ctx, []int{6})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	devs, err := m.Deviations(ctx, means)
	if err != nil {
		t.Fatalf("Deviations: %v", err)
	}
	if len(devs[6]) != 0 {
		t.Errorf("devs[6]: got %d values, want 0", len(devs[6]))
	}
}

func TestDeviations_RejectsWindowAboveCapacity(t *testing.T) {
	m := newFilledEngine(t, 4, 4)
	_, err := m.Deviations(context.Background(), map[int][]models.Bar{5: nil})
	var tooLarge *WindowTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected WindowTooLargeError, got %v", err)
	}
}

func TestConcurrentUpdatesAndQueries(t *testing.T) {
	const capacity = 64
	m := New(capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if _, err := m.Update(ctx, indexBar(i)); err != nil {
				errs <- err
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				means, err := m.Means(ctx, []int{1, 8, capacity})
				if err != nil {
					errs <- err
					return
				}
				n := len(means[1])
				if n > capacity {
					errs <- fmt.Errorf("window size %d exceeds capacity", n)
					return
				}
				if want := resultLen(n, 8); len(means[8]) != want {
					errs <- fmt.Errorf("inconsistent snapshot: %d bars but %d averages for window 8", n, len(means[8]))
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestLockWaitHonoursContext(t *testing.T) {
	m := newFilledEngine(t, 4, 4)

	// Hold exclusive access as a writer would.
	if err := m.gate.sem.Acquire(context.Background(), exclusiveWeight); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.gate.sem.Release(exclusiveWeight)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Means(ctx, []int{2})
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if IsDomainError(err) {
		t.Error("lock error must not be reported as a domain error")
	}
}

func TestPanickingWriterPoisonsWindow(t *testing.T) {
	m := newFilledEngine(t, 4, 2)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = m.gate.write(ctx, func() error {
			panic("boom")
		})
	}()

	if _, err := m.Update(ctx, indexBar(9)); !errors.Is(err, ErrLockPoisoned) {
		t.Errorf("Update after poison: got %v, want ErrLockPoisoned", err)
	}
	if _, err := m.Means(ctx, []int{1}); !errors.Is(err, ErrLockPoisoned) {
		t.Errorf("Means after poison: got %v, want ErrLockPoisoned", err)
	}
}

func TestMeansAndDeviations_MatchesSeparateReads(t *testing.T) {
	m := newFilledEngine(t, 20, 20)
	ctx := context.Background()

	means, devs, err := m.MeansAndDeviations(ctx, []int{3, 20})
	if err != nil {
		t.Fatalf("MeansAndDeviations: %v", err)
	}
	wantMeans, _ := m.Means(ctx, []int{3, 20})
	wantDevs, _ := m.Deviations(ctx, wantMeans)

	for _, l := range []int{3, 20} {
		if len(means[l]) != len(wantMeans[l]) || len(devs[l]) != len(wantDevs[l]) {
			t.Fatalf("window %d: length mismatch", l)
		}
		for i := range means[l] {
			if means[l][i] != wantMeans[l][i] || devs[l][i] != wantDevs[l][i] {
				t.Errorf("window %d index %d differs", l, i)
			}
		}
	}
}

func TestMeansAndDeviations_RejectsBadWindows(t *testing.T) {
	m := newFilledEngine(t, 5, 5)
	if _, _, err := m.MeansAndDeviations(context.Background(), []int{6}); !IsDomainError(err) {
		t.Errorf("expected domain error, got %v", err)
	}
	if _, _, err := m.MeansAndDeviations(context.Background(), []int{0}); !IsDomainError(err) {
		t.Errorf("expected domain error, got %v", err)
	}
}

// A window of five consecutive index bars always has mean k+2 and mean
// absolute deviation (2+1+0+1+2)/5 = 1.2. Pairing means from one window with
// bars from the next would give 1.4 at the same length.
func TestMeansAndDeviations_FullWindowAfterUpdate(t *testing.T) {
	const capacity = 5
	m := newFilledEngine(t, capacity, capacity)
	ctx := context.Background()

	stale, err := m.Means(ctx, []int{capacity})
	if err != nil {
		t.Fatalf("Means: %v", err)
	}
	if _, err := m.Update(ctx, indexBar(capacity)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Same n, so separate reads cannot notice the window moved.
	mixed, err := m.Deviations(ctx, stale)
	if err != nil {
		t.Fatalf("Deviations: %v", err)
	}
	if mixed[capacity][0].Close != 1.4 {
		t.Fatalf("separate reads: close deviation %v, want 1.4", mixed[capacity][0].Close)
	}

	means, devs, err := m.MeansAndDeviations(ctx, []int{capacity})
	if err != nil {
		t.Fatalf("MeansAndDeviations: %v", err)
	}
	if got := means[capacity][0].Close; got != 3 {
		t.Errorf("mean close: got %v, want 3", got)
	}
	if got := devs[capacity][0].Close; got != 1.2 {
		t.Errorf("deviation close: got %v, want 1.2", got)
	}
}

func TestMeansAndDeviations_ConsistentUnderConcurrentUpdates(t *testing.T) {
	const capacity = 5
	m := newFilledEngine(t, capacity, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := capacity; i < 3000; i++ {
			if _, err := m.Update(ctx, indexBar(i)); err != nil {
				errs <- err
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				_, devs, err := m.MeansAndDeviations(ctx, []int{capacity})
				if err != nil {
					errs <- err
					return
				}
				if got := devs[capacity][0].Close; got != 1.2 {
					errs <- fmt.Errorf("deviation %v from mismatched window, want 1.2", got)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
