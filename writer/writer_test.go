package writer

import (
	"context"
	"math"
	"testing"

	"github.com/nullstream/gauged/gaugederrors"
	"github.com/nullstream/gauged/sparsemap"
	"github.com/nullstream/gauged/store/memstore"
)

const (
	testResolution = 1_000  // 1s
	testBlockSize  = 10_000 // 10s
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, *memstore.MemStore) {
	t.Helper()
	st := memstore.New(0)
	if cfg.Resolution == 0 {
		cfg.Resolution = testResolution
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = testBlockSize
	}
	if cfg.Name == "" {
		cfg.Name = "w1"
	}
	w, err := Open(context.Background(), st, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return w, st
}

// readBlockSum decodes the (namespace, block, key) block and returns its sum.
func readBlockSum(t *testing.T, st *memstore.MemStore, namespace uint32, block int64, key string) float32 {
	t.Helper()
	ctx := context.Background()
	ids, err := st.LookupIDs(ctx, namespace, [][]byte{[]byte(key)})
	if err != nil || len(ids) == 0 {
		t.Fatalf("key %q not found: %v", key, err)
	}
	data, _, found, err := st.GetBlock(ctx, namespace, block, ids[key])
	if err != nil || !found {
		t.Fatalf("block not found: %v", err)
	}
	sm, err := sparsemap.FromBytes(data, int(testBlockSize/testResolution))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := sm.Sum()
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

// TestS1WriteSequence exercises spec.md §8 S1's literal write sequence
// against one namespace/key and checks the flushed block's SUM.
func TestS1WriteSequence(t *testing.T) {
	w, st := newTestWriter(t, Config{Namespace: 1})
	ctx := context.Background()

	writes := []struct {
		ts    int64
		value float64
	}{
		{10_000, 50}, {15_000, 150}, {20_000, 250}, {40_000, 350}, {60_000, 70},
	}
	for _, wr := range writes {
		if err := w.Add(ctx, Measurement{Key: "foobar", Value: wr.value}, WithTimestamp(wr.ts)); err != nil {
			t.Fatalf("add at %d: %v", wr.ts, err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// 10s and 15s fall in block 1 (10_000-19_999ms); block 1 sum = 50+150 = 200.
	if got := readBlockSum(t, st, 1, 1, "foobar"); got != 200 {
		t.Fatalf("block 1 sum = %v, want 200", got)
	}
	// 20s falls in block 2; block 2 sum = 250.
	if got := readBlockSum(t, st, 1, 2, "foobar"); got != 250 {
		t.Fatalf("block 2 sum = %v, want 250", got)
	}
	// 40s and 60s fall in blocks 4 and 6 respectively.
	if got := readBlockSum(t, st, 1, 4, "foobar"); got != 350 {
		t.Fatalf("block 4 sum = %v, want 350", got)
	}
	if got := readBlockSum(t, st, 1, 6, "foobar"); got != 70 {
		t.Fatalf("block 6 sum = %v, want 70", got)
	}
}

func TestMultipleValuesAtSameSlotCoexist(t *testing.T) {
	w, st := newTestWriter(t, Config{Namespace: 1})
	ctx := context.Background()

	if err := w.Add(ctx, Pairs{{Key: "k", Value: 1}, {Key: "k", Value: 2}}, WithTimestamp(5_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readBlockSum(t, st, 1, 0, "k"); got != 3 {
		t.Fatalf("sum = %v, want 3 (1+2 at the same slot)", got)
	}
}

func TestAppendOnlyErrorPolicyFails(t *testing.T) {
	w, _ := newTestWriter(t, Config{Namespace: 1, AppendOnlyPolicy: gaugederrors.PolicyError})
	ctx := context.Background()

	if err := w.Add(ctx, Measurement{Key: "k", Value: 1}, WithTimestamp(5_000)); err != nil {
		t.Fatal(err)
	}
	err := w.Add(ctx, Measurement{Key: "k", Value: 2}, WithTimestamp(1_000))
	if err == nil {
		t.Fatal("expected append-only violation")
	}
	gerr, ok := err.(*gaugederrors.Error)
	if !ok || gerr.Kind != gaugederrors.KindAppendOnly {
		t.Fatalf("expected KindAppendOnly, got %v", err)
	}
}

func TestAppendOnlyIgnorePolicyDropsSilently(t *testing.T) {
	w, st := newTestWriter(t, Config{Namespace: 1, AppendOnlyPolicy: gaugederrors.PolicyIgnore})
	ctx := context.Background()

	if err := w.Add(ctx, Measurement{Key: "k", Value: 1}, WithTimestamp(5_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, Measurement{Key: "k", Value: 99}, WithTimestamp(1_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readBlockSum(t, st, 1, 0, "k"); got != 1 {
		t.Fatalf("sum = %v, want 1 (the out-of-order write must be dropped)", got)
	}
}

func TestAppendOnlyRewritePolicyClampsForward(t *testing.T) {
	w, st := newTestWriter(t, Config{Namespace: 1, AppendOnlyPolicy: gaugederrors.PolicyRewrite})
	ctx := context.Background()

	if err := w.Add(ctx, Measurement{Key: "k", Value: 1}, WithTimestamp(5_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, Measurement{Key: "k", Value: 2}, WithTimestamp(1_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	// The rewritten write lands at the same (block, slot) as the first.
	if got := readBlockSum(t, st, 1, 0, "k"); got != 3 {
		t.Fatalf("sum = %v, want 3 (1 original + 2 clamped forward)", got)
	}
}

func TestKeyWhitelistDropsUnlistedKeys(t *testing.T) {
	w, st := newTestWriter(t, Config{
		Namespace:    1,
		KeyWhitelist: map[string]struct{}{"allowed": {}},
	})
	ctx := context.Background()

	if err := w.Add(ctx, Pairs{{Key: "allowed", Value: 1}, {Key: "blocked", Value: 2}}, WithTimestamp(0)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readBlockSum(t, st, 1, 0, "allowed"); got != 1 {
		t.Fatalf("allowed sum = %v, want 1", got)
	}
	ids, _ := st.LookupIDs(ctx, 1, [][]byte{[]byte("blocked")})
	if len(ids) != 0 {
		t.Fatal("expected blocked key to never be resolved")
	}
}

func TestKeyOverflowIgnorePolicyDrops(t *testing.T) {
	w, _ := newTestWriter(t, Config{Namespace: 1, KeyOverflowPolicy: gaugederrors.PolicyIgnore})
	ctx := context.Background()

	longKey := make([]byte, 2000)
	for i := range longKey {
		longKey[i] = 'a'
	}
	if err := w.Add(ctx, Measurement{Key: string(longKey), Value: 1}, WithTimestamp(0)); err != nil {
		t.Fatal(err)
	}
}

func TestNaNErrorPolicyFails(t *testing.T) {
	w, _ := newTestWriter(t, Config{Namespace: 1, NaNPolicy: gaugederrors.PolicyError})
	ctx := context.Background()

	err := w.Add(ctx, Measurement{Key: "k", Value: math.NaN()}, WithTimestamp(0))
	if err == nil {
		t.Fatal("expected NaN error")
	}
}

func TestClearFromRejectsUnalignedTimestamp(t *testing.T) {
	w, _ := newTestWriter(t, Config{Namespace: 1})
	ctx := context.Background()
	if err := w.ClearFrom(ctx, 25_000); err == nil {
		t.Fatal("expected unaligned clear_from to fail")
	}
}

func TestClearFromSucceedsOnAlignedTimestamp(t *testing.T) {
	w, st := newTestWriter(t, Config{Namespace: 1})
	ctx := context.Background()

	if err := w.Add(ctx, Measurement{Key: "k", Value: 1}, WithTimestamp(5_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, Measurement{Key: "k", Value: 2}, WithTimestamp(25_000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if err := w.ClearFrom(ctx, 20_000); err != nil {
		t.Fatal(err)
	}

	if got := readBlockSum(t, st, 1, 0, "k"); got != 1 {
		t.Fatalf("block 0 sum = %v, want 1 (must survive clear_from(20000))", got)
	}
	if _, _, found, _ := st.GetBlock(ctx, 1, 2, mustKeyID(t, st, 1, "k")); found {
		t.Fatal("expected block 2 to be cleared")
	}
}

func mustKeyID(t *testing.T, st *memstore.MemStore, namespace uint32, key string) uint32 {
	t.Helper()
	ids, err := st.LookupIDs(context.Background(), namespace, [][]byte{[]byte(key)})
	if err != nil || len(ids) == 0 {
		t.Fatalf("key %q not found", key)
	}
	return ids[key]
}
