// Package store defines the persistent-store contract that the gauged
// Writer and Context depend on (spec.md §6.1). The store is an external
// collaborator: a relational table layer keyed by (namespace, block-offset,
// key-id) storing opaque block blobs, plus a key dictionary, metadata,
// writer-position, per-block statistics, and an aggregate cache. The block
// payload itself is opaque to the store — all semantics live in sparsemap.
package store

import "context"

// BlockRow is one (namespace, block, key) payload to persist.
type BlockRow struct {
	Namespace uint32
	Block     int64
	KeyID     uint32
	Bytes     []byte
	Flags     uint32
}

// NamespaceStatistics is the additive (data_points, byte_count) pair tracked
// per namespace/block for fast bound queries.
type NamespaceStatistics struct {
	DataPoints int64
	ByteCount  int64
}

// CacheEntry is one (start, value) row of the aggregate cache.
type CacheEntry struct {
	Start int64
	Value float32
}

// Store is the contract a gauged Engine/Writer/Context depends on. It is
// implemented in this module by store/memstore (in-process, ephemeral) and
// store/sqlitestore (durable, SQLite-backed); any conforming implementation
// may be substituted.
type Store interface {
	CreateSchema(ctx context.Context) error
	ClearSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	// Keys lists keys for namespace, optionally filtered by byte-string
	// prefix and paginated by limit/offset (0 limit means "no limit").
	Keys(ctx context.Context, namespace uint32, prefix []byte, limit, offset int) ([][]byte, error)

	// LookupIDs resolves keys already known to the dictionary. Missing keys
	// are simply absent from the returned map (keyed by string(key)).
	LookupIDs(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error)

	// InsertKeys assigns monotonic IDs to any keys not yet known and returns
	// the full (pre-existing + newly assigned) id set for the given keys.
	InsertKeys(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error)

	// GetBlock returns a block's bytes and flags, or found=false.
	GetBlock(ctx context.Context, namespace uint32, block int64, keyID uint32) (data []byte, flags uint32, found bool, err error)

	// ReplaceBlocks overwrites each row's block payload outright.
	ReplaceBlocks(ctx context.Context, rows []BlockRow) error

	// InsertOrAppendBlocks appends each row's bytes to any existing block
	// for the same (namespace, block, key) instead of overwriting it.
	InsertOrAppendBlocks(ctx context.Context, rows []BlockRow) error

	// BlockOffsetBounds returns the minimum and maximum known block offsets
	// for namespace; ok is false if the namespace has no blocks.
	BlockOffsetBounds(ctx context.Context, namespace uint32) (min, max int64, ok bool, err error)

	// AddNamespaceStatistics additively accumulates (data_points, byte_count)
	// for one (namespace, block).
	AddNamespaceStatistics(ctx context.Context, namespace uint32, block int64, dataPoints, byteCount int64) error

	// GetNamespaceStatistics sums statistics over [startBlock, endBlock].
	GetNamespaceStatistics(ctx context.Context, namespace uint32, startBlock, endBlock int64) (NamespaceStatistics, error)

	// GetCache returns cached (start, value) rows for
	// (namespace, hash, interval) whose start falls in [start, end].
	GetCache(ctx context.Context, namespace uint32, hash [20]byte, interval int64, start, end int64) ([]CacheEntry, error)

	// AddCache writes cache rows, ignoring any whose (start) already exists.
	AddCache(ctx context.Context, namespace uint32, hash [20]byte, interval int64, entries []CacheEntry) error

	// RemoveCache drops every cache row for namespace.
	RemoveCache(ctx context.Context, namespace uint32) error

	SetWriterPosition(ctx context.Context, name string, ts int64) error
	GetWriterPosition(ctx context.Context, name string) (ts int64, ok bool, err error)

	SetMetadata(ctx context.Context, kv map[string]string, replace bool) error
	GetMetadata(ctx context.Context, key string) (value string, ok bool, err error)
	GetAllMetadata(ctx context.Context) (map[string]string, error)

	RemoveNamespace(ctx context.Context, namespace uint32) error

	// ClearFrom drops blocks and statistics at or after blockOffset, drops
	// cache rows whose coverage ends at or after timestamp, and clamps
	// writer positions accordingly.
	ClearFrom(ctx context.Context, blockOffset int64, timestamp int64) error

	Commit(ctx context.Context) error

	// MaxKey is the maximum byte length of a key this store will accept.
	MaxKey() int

	Close() error
}
