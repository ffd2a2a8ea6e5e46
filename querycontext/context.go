// Package querycontext implements the gauged read-side query engine: it
// resolves a (key, range, interval, aggregate) query into an ordered walk
// over stored blocks, composes SparseMap-level partial results, and manages
// the aggregate cache. A Context borrows blocks from a store.Store for the
// duration of each call and owns no persistent mutable state of its own.
package querycontext

import (
	"context"
	"fmt"
	"time"

	"github.com/nullstream/gauged/gaugederrors"
	"github.com/nullstream/gauged/sparsemap"
	"github.com/nullstream/gauged/store"
	"golang.org/x/sync/singleflight"
)

// Config configures a Context. Resolution and BlockSize must match the
// Writer's, in milliseconds.
type Config struct {
	Namespace        uint32
	Resolution       int64
	BlockSize        int64
	MaxLookBehind    int64 // ms; point lookup scans at most MaxLookBehind/BlockSize prior blocks
	MaxIntervalSteps int64 // cap on (end-start)/interval for series queries
	MinCacheInterval int64 // ms; series queries below this never consult the cache
}

// Context is safe for concurrent use by multiple callers; its only shared
// mutable state is an internal singleflight.Group deduplicating concurrent
// identical cache misses.
type Context struct {
	st    store.Store
	cfg   Config
	slots int64

	sf singleflight.Group
}

// New constructs a Context against st.
func New(st store.Store, cfg Config) (*Context, error) {
	if cfg.Resolution <= 0 || cfg.BlockSize <= 0 || cfg.BlockSize%cfg.Resolution != 0 {
		return nil, gaugederrors.New(gaugederrors.KindArgument, "querycontext: block_size must be a positive multiple of resolution")
	}
	return &Context{st: st, cfg: cfg, slots: cfg.BlockSize / cfg.Resolution}, nil
}

func (c *Context) now() int64 { return time.Now().UnixMilli() }

// ResolveRange normalizes (start, end) per spec.md §4.4.1: unset bounds
// default from the namespace's known block range, negative values are
// resolved against wall-clock now, and the result is clamped to the known
// block range. hasStart/hasEnd distinguish "caller omitted" from "caller
// passed 0" for the single-sided silent-truncation rule in step 4.
func (c *Context) ResolveRange(ctx context.Context, namespace uint32, start int64, hasStart bool, end int64, hasEnd bool) (int64, int64, error) {
	minBlock, maxBlock, ok, err := c.st.BlockOffsetBounds(ctx, namespace)
	if err != nil {
		return 0, 0, fmt.Errorf("gauged/querycontext: block_offset_bounds: %w", err)
	}
	if !ok {
		minBlock, maxBlock = 0, -1
	}

	if !hasStart {
		start = 0
	} else if start < 0 {
		start = c.now() + start
	}
	if !hasEnd {
		end = (maxBlock + 1) * c.cfg.BlockSize
	} else if end < 0 {
		end = c.now() + end
	}
	if start < 0 && end < 0 {
		return 0, 0, gaugederrors.New(gaugederrors.KindDateRange, "both start and end remained negative after resolution")
	}

	lowBound := minBlock * c.cfg.BlockSize
	highBound := (maxBlock + 1) * c.cfg.BlockSize
	if start < lowBound {
		start = lowBound
	}
	if end > highBound {
		end = highBound
	}

	if start > end {
		if hasStart != hasEnd {
			start = end
		} else {
			return 0, 0, gaugederrors.New(gaugederrors.KindDateRange, "start exceeds end")
		}
	}
	return start, end, nil
}

// checkInterval enforces spec.md §4.4.1 step 5; suppressSteps is true for
// the associativity-optimized middle aggregate_series call, which is
// exempt from the step-count cap.
func (c *Context) checkInterval(start, end, interval int64, suppressSteps bool) error {
	if interval <= 0 {
		return gaugederrors.New(gaugederrors.KindIntervalSize, "interval must be positive")
	}
	if suppressSteps || c.cfg.MaxIntervalSteps <= 0 {
		return nil
	}
	steps := (end - start) / interval
	if steps > c.cfg.MaxIntervalSteps {
		return gaugederrors.New(gaugederrors.KindIntervalSize, "too many steps for configured max_interval_steps")
	}
	return nil
}

func (c *Context) resolveKeyID(ctx context.Context, namespace uint32, key string) (uint32, bool, error) {
	ids, err := c.st.LookupIDs(ctx, namespace, [][]byte{[]byte(key)})
	if err != nil {
		return 0, false, fmt.Errorf("gauged/querycontext: lookup_ids: %w", err)
	}
	id, ok := ids[key]
	return id, ok, nil
}

// materialize concatenates every block slice covering [start, end) into one
// owned SparseMap with absolute, block-relative slot offsets, for callers
// that need full materialization (Percentile/Median, SumOfSquares, and the
// small-range aggregate fallback). The caller must Release the result.
func (c *Context) materialize(ctx context.Context, namespace uint32, keyID uint32, start, end int64) (*sparsemap.SparseMap, error) {
	if end <= start {
		return sparsemap.New(0), nil
	}
	startBlock := start / c.cfg.BlockSize
	endBlock := (end - 1) / c.cfg.BlockSize
	startSlot := (start % c.cfg.BlockSize) / c.cfg.Resolution

	combined := sparsemap.New(0)
	for blk := startBlock; blk <= endBlock; blk++ {
		data, _, found, err := c.st.GetBlock(ctx, namespace, blk, keyID)
		if err != nil {
			return nil, fmt.Errorf("gauged/querycontext: get_block: %w", err)
		}
		if !found || len(data) == 0 {
			continue
		}
		sm, err := sparsemap.FromBytes(data, int(c.slots))
		if err != nil {
			return nil, err
		}

		sliceStart, sliceEnd := 0, 0
		if blk == startBlock {
			sliceStart = int(startSlot)
		}
		if blk == endBlock {
			endSlot := ((end - 1) % c.cfg.BlockSize) / c.cfg.Resolution
			sliceEnd = int(endSlot) + 1
		}
		sliced, err := sm.Slice(sliceStart, sliceEnd)
		sm.Release()
		if err != nil {
			return nil, err
		}

		offset := int(blk-startBlock) * int(c.slots)
		if err := combined.Concat(sliced, 0, 0, offset); err != nil {
			sliced.Release()
			return nil, err
		}
		sliced.Release()
	}
	return combined, nil
}

// Keys is a thin pass-through to the store.
func (c *Context) Keys(ctx context.Context, namespace uint32, prefix []byte, limit, offset int) ([][]byte, error) {
	return c.st.Keys(ctx, namespace, prefix, limit, offset)
}

// Statistics rounds [start, end] outward to block boundaries before calling
// the store's sum-over-blocks.
func (c *Context) Statistics(ctx context.Context, namespace uint32, start, end int64) (store.NamespaceStatistics, error) {
	startBlock := start / c.cfg.BlockSize
	endBlock := end / c.cfg.BlockSize
	if end%c.cfg.BlockSize != 0 {
		endBlock++
	}
	return c.st.GetNamespaceStatistics(ctx, namespace, startBlock, endBlock)
}
