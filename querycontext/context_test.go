package querycontext

import (
	"context"
	"testing"

	"github.com/nullstream/gauged/store/memstore"
	"github.com/nullstream/gauged/writer"
)

const (
	testResolution = 1_000  // 1s
	testBlockSize  = 10_000 // 10s
)

type testWrite struct {
	ts    int64
	value float64
}

// seedS1 replays spec.md §8 S1's literal write sequence into a fresh
// memstore and returns a ready-to-query Context over the same namespace.
func seedS1(t *testing.T) (*Context, context.Context) {
	t.Helper()
	return seedWrites(t, []testWrite{
		{10_000, 50}, {15_000, 150}, {20_000, 250}, {40_000, 350}, {60_000, 70},
	})
}

// seedS3 writes two values into each of blocks 1-3 (block sums 200, 150 and
// 50) and nothing into block 4.
func seedS3(t *testing.T) (*Context, context.Context) {
	t.Helper()
	return seedWrites(t, []testWrite{
		{10_000, 50}, {15_000, 150}, {20_000, 120}, {25_000, 30}, {30_000, 40}, {35_000, 10},
	})
}

// seedWrites writes "foobar" at each of writes into a fresh memstore and
// returns a Context over the same namespace whose look-behind spans 100
// blocks.
func seedWrites(t *testing.T, writes []testWrite) (*Context, context.Context) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New(0)

	w, err := writer.Open(ctx, st, writer.Config{
		Namespace:  1,
		Name:       "w1",
		Resolution: testResolution,
		BlockSize:  testBlockSize,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, wr := range writes {
		if err := w.Add(ctx, writer.Measurement{Key: "foobar", Value: wr.value}, writer.WithTimestamp(wr.ts)); err != nil {
			t.Fatalf("add at %d: %v", wr.ts, err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	qc, err := New(st, Config{
		Namespace:     1,
		Resolution:    testResolution,
		BlockSize:     testBlockSize,
		MaxLookBehind: 100 * testBlockSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	return qc, ctx
}

func aggregateOK(t *testing.T, qc *Context, ctx context.Context, start, end int64, kind AggregateKind) float32 {
	t.Helper()
	v, ok, err := qc.Aggregate(ctx, 1, "foobar", start, end, kind)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("aggregate %s(%d,%d): expected a value", kind, start, end)
	}
	return v
}

func approxEqual(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestS1ScalarAggregates(t *testing.T) {
	qc, ctx := seedS1(t)

	if got := aggregateOK(t, qc, ctx, 0, 70_000, AggregateSum); got != 870 {
		t.Errorf("SUM = %v, want 870", got)
	}
	if got := aggregateOK(t, qc, ctx, 0, 70_000, AggregateMin); got != 50 {
		t.Errorf("MIN = %v, want 50", got)
	}
	if got := aggregateOK(t, qc, ctx, 0, 70_000, AggregateMax); got != 350 {
		t.Errorf("MAX = %v, want 350", got)
	}
	if got := aggregateOK(t, qc, ctx, 0, 70_000, AggregateCount); got != 5 {
		t.Errorf("COUNT = %v, want 5", got)
	}
	if got := aggregateOK(t, qc, ctx, 0, 70_000, AggregateMean); got != 174 {
		t.Errorf("MEAN = %v, want 174", got)
	}
	if got := aggregateOK(t, qc, ctx, 0, 70_000, AggregateStdDev); !approxEqual(got, 112.71202, 0.01) {
		t.Errorf("STDDEV = %v, want ~112.71202", got)
	}

	if got, ok, err := qc.Median(ctx, 1, "foobar", 0, 70_000); err != nil || !ok || got != 150 {
		t.Errorf("MEDIAN = %v, ok=%v, err=%v; want 150", got, ok, err)
	}
	if got, ok, err := qc.Percentile(ctx, 1, "foobar", 0, 70_000, 90); err != nil || !ok || !approxEqual(got, 310, 0.01) {
		t.Errorf("P90 = %v, ok=%v, err=%v; want ~310", got, ok, err)
	}
}

func TestS1MinWithBoundedRanges(t *testing.T) {
	qc, ctx := seedS1(t)

	if got := aggregateOK(t, qc, ctx, 11_000, 70_000, AggregateMin); got != 70 {
		t.Errorf("MIN(start=11s) = %v, want 70", got)
	}
	if got := aggregateOK(t, qc, ctx, 11_000, 55_000, AggregateMin); got != 150 {
		t.Errorf("MIN(start=11s,end=55s) = %v, want 150", got)
	}
}

// TestS2ValueSeriesTracksLatestWrite exercises the point-in-time semantics
// spec.md §8 S2 describes: at each step, the series carries forward the
// latest write at or before that step.
func TestS2ValueSeriesTracksLatestWrite(t *testing.T) {
	qc, ctx := seedS1(t)

	points, err := qc.ValueSeries(ctx, 1, "foobar", 10_000, 70_000, 10_000, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{50, 250, 250, 350, 350, 70}
	if len(points) != len(want) {
		t.Fatalf("got %d points, want %d", len(points), len(want))
	}
	for i, p := range points {
		if !p.HasValue || p.Value != want[i] {
			t.Errorf("point %d = (hasValue=%v, %v), want %v", i, p.HasValue, p.Value, want[i])
		}
	}
}

// TestS3AggregateSeriesSum exercises spec.md §8 S3's first case.
func TestS3AggregateSeriesSum(t *testing.T) {
	qc, ctx := seedS3(t)

	points, err := qc.AggregateSeries(ctx, 1, "foobar", 10_000, 40_000, 10_000, AggregateSum, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{200, 150, 50}
	if len(points) != len(want) {
		t.Fatalf("got %d points, want %d", len(points), len(want))
	}
	for i, p := range points {
		if !p.HasValue || p.Value != want[i] {
			t.Errorf("point %d = (hasValue=%v, %v), want %v", i, p.HasValue, p.Value, want[i])
		}
	}
}

// TestS3AggregateSeriesCount exercises spec.md §8 S3's second case, where
// the final step has no data at all and so counts 0.
func TestS3AggregateSeriesCount(t *testing.T) {
	qc, ctx := seedS3(t)

	points, err := qc.AggregateSeries(ctx, 1, "foobar", 10_000, 50_000, 10_000, AggregateCount, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		hasValue bool
		value    float32
	}{
		{true, 2}, {true, 2}, {true, 2}, {true, 0},
	}
	if len(points) != len(want) {
		t.Fatalf("got %d points, want %d", len(points), len(want))
	}
	for i, p := range points {
		if p.HasValue != want[i].hasValue || (p.HasValue && p.Value != want[i].value) {
			t.Errorf("point %d = (hasValue=%v, %v), want (hasValue=%v, %v)", i, p.HasValue, p.Value, want[i].hasValue, want[i].value)
		}
	}
}

// TestS4CacheStalenessAndRemoval exercises spec.md §8 S4: an overwritten
// block's cached aggregate_series result stays stale until RemoveCache is
// called, matching invariant 4's precondition.
func TestS4CacheStalenessAndRemoval(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(0)

	w, err := writer.Open(ctx, st, writer.Config{
		Namespace:       1,
		Name:            "w1",
		Resolution:      testResolution,
		BlockSize:       testBlockSize,
		OverwriteBlocks: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, writer.Measurement{Key: "k", Value: 10}, writer.WithTimestamp(0)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	// Write into the next block so block 0 is no longer the tail block being
	// written: only then is [0, testBlockSize) eligible for caching.
	if err := w.Add(ctx, writer.Measurement{Key: "k", Value: 500}, writer.WithTimestamp(testBlockSize)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	qc, err := New(st, Config{Namespace: 1, Resolution: testResolution, BlockSize: testBlockSize})
	if err != nil {
		t.Fatal(err)
	}

	points, err := qc.AggregateSeries(ctx, 1, "k", 0, testBlockSize, testBlockSize, AggregateSum, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || !points[0].HasValue || points[0].Value != 10 {
		t.Fatalf("first series = %+v, want [10]", points)
	}

	// A second, independently-resumed writer overwrites block 0 without
	// disturbing the block 1 write already made above: block 0 stays out of
	// the tail, so its already-cached series entry is expected to go stale.
	w2, err := writer.Open(ctx, st, writer.Config{
		Namespace:       1,
		Name:            "w2",
		Resolution:      testResolution,
		BlockSize:       testBlockSize,
		OverwriteBlocks: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.Add(ctx, writer.Measurement{Key: "k", Value: 99}, writer.WithTimestamp(0)); err != nil {
		t.Fatal(err)
	}
	if err := w2.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stale, err := qc.AggregateSeries(ctx, 1, "k", 0, testBlockSize, testBlockSize, AggregateSum, true)
	if err != nil {
		t.Fatal(err)
	}
	if !stale[0].HasValue || stale[0].Value != 10 {
		t.Fatalf("stale series = %+v, want [10] (cache must still reflect the old write)", stale)
	}

	if err := st.RemoveCache(ctx, 1); err != nil {
		t.Fatal(err)
	}

	fresh, err := qc.AggregateSeries(ctx, 1, "k", 0, testBlockSize, testBlockSize, AggregateSum, true)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh[0].HasValue || fresh[0].Value != 99 {
		t.Fatalf("fresh series = %+v, want [99] after remove_cache", fresh)
	}
}

// TestS6ClearFromThenValue exercises spec.md §8 S6.
func TestS6ClearFromThenValue(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(0)

	w, err := writer.Open(ctx, st, writer.Config{
		Namespace:  1,
		Name:       "w1",
		Resolution: testResolution,
		BlockSize:  testBlockSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, writer.Measurement{Key: "k", Value: 1}, writer.WithTimestamp(5_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, writer.Measurement{Key: "k", Value: 2}, writer.WithTimestamp(25_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if err := w.ClearFrom(ctx, 25_000); err == nil {
		t.Fatal("expected clear_from(25000) to fail on an unaligned timestamp")
	}
	if err := w.ClearFrom(ctx, 20_000); err != nil {
		t.Fatal(err)
	}

	qc, err := New(st, Config{Namespace: 1, Resolution: testResolution, BlockSize: testBlockSize, MaxLookBehind: 1_000_000})
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := qc.Value(ctx, 1, "k", 40_000)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != 1 {
		t.Fatalf("value@40s = (%v, ok=%v), want (1, true)", v, ok)
	}
}

func TestResolveRangeDefaultsToKnownBlockBounds(t *testing.T) {
	qc, ctx := seedS1(t)

	start, end, err := qc.ResolveRange(ctx, 1, 0, false, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if start != testBlockSize {
		t.Errorf("start = %d, want %d", start, testBlockSize)
	}
	if end != 7*testBlockSize {
		t.Errorf("end = %d, want %d", end, 7*testBlockSize)
	}
}

func TestResolveRangeRejectsStartPastEnd(t *testing.T) {
	qc, ctx := seedS1(t)

	_, _, err := qc.ResolveRange(ctx, 1, 60_000, true, 10_000, true)
	if err == nil {
		t.Fatal("expected start>end with both bounds explicit to fail")
	}
}

func TestPercentileRejectsOutOfRange(t *testing.T) {
	qc, ctx := seedS1(t)

	_, _, err := qc.Percentile(ctx, 1, "foobar", 0, 70_000, 150)
	if err == nil {
		t.Fatal("expected percentile > 100 to fail")
	}
}

func TestMissingKeyYieldsNoValue(t *testing.T) {
	qc, ctx := seedS1(t)

	v, ok, err := qc.Value(ctx, 1, "nonexistent", 50_000)
	if err != nil {
		t.Fatal(err)
	}
	if ok || v != 0 {
		t.Fatalf("value for missing key = (%v, %v), want (0, false)", v, ok)
	}
	if _, ok, err := qc.resolveKeyID(ctx, 1, "nonexistent"); err != nil || ok {
		t.Fatalf("resolveKeyID should report not-found, got ok=%v err=%v", ok, err)
	}
}
