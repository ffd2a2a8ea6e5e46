package memstore

import (
	"context"
	"testing"

	"github.com/nullstream/gauged/store"
)

func TestInsertKeysIsDeduplicatedAndMonotonic(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	ids1, err := m.InsertKeys(ctx, 1, [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	if ids1["a"] == ids1["b"] {
		t.Fatal("expected distinct ids")
	}

	ids2, err := m.InsertKeys(ctx, 1, [][]byte{[]byte("a"), []byte("c")})
	if err != nil {
		t.Fatal(err)
	}
	if ids2["a"] != ids1["a"] {
		t.Fatal("expected stable id for pre-existing key")
	}
	if ids2["c"] == ids1["a"] || ids2["c"] == ids1["b"] {
		t.Fatal("expected fresh id for new key")
	}
}

func TestInsertOrAppendBlocksAppends(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	rows := []store.BlockRow{{Namespace: 1, Block: 0, KeyID: 1, Bytes: []byte{1, 2}}}
	if err := m.InsertOrAppendBlocks(ctx, rows); err != nil {
		t.Fatal(err)
	}
	rows2 := []store.BlockRow{{Namespace: 1, Block: 0, KeyID: 1, Bytes: []byte{3, 4}}}
	if err := m.InsertOrAppendBlocks(ctx, rows2); err != nil {
		t.Fatal(err)
	}

	data, _, found, err := m.GetBlock(ctx, 1, 0, 1)
	if err != nil || !found {
		t.Fatalf("expected block, err=%v found=%v", err, found)
	}
	want := []byte{1, 2, 3, 4}
	if len(data) != len(want) {
		t.Fatalf("got %v want %v", data, want)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("got %v want %v", data, want)
		}
	}
}

func TestReplaceBlocksOverwrites(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	_ = m.ReplaceBlocks(ctx, []store.BlockRow{{Namespace: 1, Block: 0, KeyID: 1, Bytes: []byte{9, 9}}})
	_ = m.ReplaceBlocks(ctx, []store.BlockRow{{Namespace: 1, Block: 0, KeyID: 1, Bytes: []byte{1}}})

	data, _, found, err := m.GetBlock(ctx, 1, 0, 1)
	if err != nil || !found {
		t.Fatal(err)
	}
	if len(data) != 1 || data[0] != 1 {
		t.Fatalf("expected overwritten single-byte block, got %v", data)
	}
}

func TestClearFromDropsBlocksAtOrAfter(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	_ = m.ReplaceBlocks(ctx, []store.BlockRow{
		{Namespace: 1, Block: 0, KeyID: 1, Bytes: []byte{1}},
		{Namespace: 1, Block: 2, KeyID: 1, Bytes: []byte{2}},
	})
	_ = m.AddNamespaceStatistics(ctx, 1, 0, 1, 1)
	_ = m.AddNamespaceStatistics(ctx, 1, 2, 1, 1)
	_ = m.SetWriterPosition(ctx, "w1", 25_000)

	if err := m.ClearFrom(ctx, 2, 20_000); err != nil {
		t.Fatal(err)
	}

	if _, _, found, _ := m.GetBlock(ctx, 1, 2, 1); found {
		t.Fatal("expected block 2 to be cleared")
	}
	if _, _, found, _ := m.GetBlock(ctx, 1, 0, 1); !found {
		t.Fatal("expected block 0 to survive")
	}

	ts, ok, err := m.GetWriterPosition(ctx, "w1")
	if err != nil || !ok {
		t.Fatal(err)
	}
	if ts != 20_000 {
		t.Fatalf("expected writer position clamped to 20000, got %d", ts)
	}
}

func TestKeysReturnsSortedPrefixFilteredPage(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	_, err := m.InsertKeys(ctx, 1, [][]byte{[]byte("zebra"), []byte("app.cpu"), []byte("app.mem"), []byte("disk.free")})
	if err != nil {
		t.Fatal(err)
	}

	all, err := m.Keys(ctx, 1, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantAll := []string{"app.cpu", "app.mem", "disk.free", "zebra"}
	if len(all) != len(wantAll) {
		t.Fatalf("got %d keys, want %d", len(all), len(wantAll))
	}
	for i, k := range all {
		if string(k) != wantAll[i] {
			t.Fatalf("keys not sorted: got %v, want %v", all, wantAll)
		}
	}

	prefixed, err := m.Keys(ctx, 1, []byte("app."), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(prefixed) != 2 || string(prefixed[0]) != "app.cpu" || string(prefixed[1]) != "app.mem" {
		t.Fatalf("prefix filter = %v, want [app.cpu app.mem]", prefixed)
	}

	paged, err := m.Keys(ctx, 1, nil, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || string(paged[0]) != "app.mem" {
		t.Fatalf("limit=1,offset=1 = %v, want [app.mem]", paged)
	}
}

func TestMetadataReplacePolicy(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	_ = m.SetMetadata(ctx, map[string]string{"a": "1"}, true)
	_ = m.SetMetadata(ctx, map[string]string{"a": "2"}, false)

	v, ok, err := m.GetMetadata(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("expected replace=false to keep original value, got %v", v)
	}

	_ = m.SetMetadata(ctx, map[string]string{"a": "3"}, true)
	v, _, _ = m.GetMetadata(ctx, "a")
	if v != "3" {
		t.Fatalf("expected replace=true to overwrite, got %v", v)
	}
}
