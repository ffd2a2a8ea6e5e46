package querycontext

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/nullstream/gauged/gaugederrors"
	"github.com/nullstream/gauged/sparsemap"
)

// AggregateKind selects which block-local primitive Aggregate/AggregateSeries
// computes. Sum/Min/Max/Count are the associative set: their combiner
// permits reduce-over-partition, which the block-aligned middle optimization
// in Aggregate and the aggregate_series cache both depend on.
type AggregateKind int

const (
	AggregateSum AggregateKind = iota
	AggregateMin
	AggregateMax
	AggregateCount
	AggregateMean
	AggregateStdDev
)

func (k AggregateKind) isAssociative() bool {
	switch k {
	case AggregateSum, AggregateMin, AggregateMax, AggregateCount:
		return true
	default:
		return false
	}
}

func (k AggregateKind) String() string {
	switch k {
	case AggregateSum:
		return "sum"
	case AggregateMin:
		return "min"
	case AggregateMax:
		return "max"
	case AggregateCount:
		return "count"
	case AggregateMean:
		return "mean"
	case AggregateStdDev:
		return "stddev"
	default:
		return "unknown"
	}
}

// Value returns the last value for key at or before t, scanning at most
// MaxLookBehind/BlockSize prior blocks. ok is false if no value is found
// within the look-behind budget.
func (c *Context) Value(ctx context.Context, namespace uint32, key string, t int64) (float32, bool, error) {
	keyID, found, err := c.resolveKeyID(ctx, namespace, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}

	block := t / c.cfg.BlockSize
	slot := (t % c.cfg.BlockSize) / c.cfg.Resolution

	maxBack := int64(0)
	if c.cfg.MaxLookBehind > 0 {
		maxBack = c.cfg.MaxLookBehind / c.cfg.BlockSize
	}

	for b := block; b >= 0 && block-b <= maxBack; b-- {
		data, _, found, err := c.st.GetBlock(ctx, namespace, b, keyID)
		if err != nil {
			return 0, false, fmt.Errorf("gauged/querycontext: get_block: %w", err)
		}
		if !found || len(data) == 0 {
			continue
		}
		sm, err := sparsemap.FromBytes(data, int(c.slots))
		if err != nil {
			return 0, false, err
		}

		limit := int(c.slots)
		if b == block {
			limit = int(slot) + 1
		}
		sliced, err := sm.Slice(0, limit)
		sm.Release()
		if err != nil {
			return 0, false, err
		}
		v, ok, err := sliced.Last()
		sliced.Release()
		if err != nil {
			return 0, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}

// Aggregate computes a scalar aggregate over [start, end). For the
// associative set and a range spanning a full interior block, it decomposes
// into head/tail remainders plus a cacheable, block-aligned middle
// aggregate_series call, run concurrently via errgroup. Mean/StdDev reduce
// to Sum/Count. For a range holding no values, Min, Max, Mean and StdDev
// report ok false ("no value"); Sum and Count report 0 with ok true.
func (c *Context) Aggregate(ctx context.Context, namespace uint32, key string, start, end int64, agg AggregateKind) (float32, bool, error) {
	keyID, found, err := c.resolveKeyID(ctx, namespace, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}

	switch agg {
	case AggregateMean:
		sum, sumOK, err := c.Aggregate(ctx, namespace, key, start, end, AggregateSum)
		if err != nil {
			return 0, false, err
		}
		count, _, err := c.Aggregate(ctx, namespace, key, start, end, AggregateCount)
		if err != nil {
			return 0, false, err
		}
		if !sumOK || count == 0 {
			return 0, false, nil
		}
		return sum / count, true, nil
	case AggregateStdDev:
		mean, ok, err := c.Aggregate(ctx, namespace, key, start, end, AggregateMean)
		if err != nil || !ok {
			return 0, ok, err
		}
		combined, err := c.materialize(ctx, namespace, keyID, start, end)
		if err != nil {
			return 0, false, err
		}
		defer combined.Release()
		count, err := combined.Count()
		if err != nil {
			return 0, false, err
		}
		if count == 0 {
			return 0, false, nil
		}
		ss, err := combined.SumOfSquares(mean)
		if err != nil {
			return 0, false, err
		}
		return float32(math.Sqrt(float64(ss) / float64(count))), true, nil
	}

	return c.aggregateAssociative(ctx, namespace, keyID, start, end, agg)
}

// aggregateAssociative implements spec.md §4.4.4 step 1-2 for the
// associative set.
func (c *Context) aggregateAssociative(ctx context.Context, namespace uint32, keyID uint32, start, end int64, agg AggregateKind) (float32, bool, error) {
	if !agg.isAssociative() {
		return 0, false, gaugederrors.New(gaugederrors.KindArgument, fmt.Sprintf("querycontext: unknown aggregate %s", agg))
	}

	headBoundary := start
	if start%c.cfg.BlockSize != 0 {
		headBoundary = (start/c.cfg.BlockSize + 1) * c.cfg.BlockSize
	}
	tailBoundary := (end / c.cfg.BlockSize) * c.cfg.BlockSize

	if headBoundary >= tailBoundary || headBoundary >= end || tailBoundary <= start {
		// No full aligned block between start and end: direct materialization,
		// no cache involvement.
		return c.aggregateDirect(ctx, namespace, keyID, start, end, agg)
	}

	var headVal, tailVal float32
	var headOK, tailOK bool
	var middlePoints []SeriesPoint

	g, gctx := errgroup.WithContext(ctx)
	if start < headBoundary {
		g.Go(func() error {
			v, ok, err := c.aggregateDirect(gctx, namespace, keyID, start, headBoundary, agg)
			headVal, headOK = v, ok
			return err
		})
	}
	if tailBoundary < end {
		g.Go(func() error {
			v, ok, err := c.aggregateDirect(gctx, namespace, keyID, tailBoundary, end, agg)
			tailVal, tailOK = v, ok
			return err
		})
	}
	g.Go(func() error {
		points, err := c.aggregateSeriesByID(gctx, namespace, keyID, headBoundary, tailBoundary, c.cfg.BlockSize, agg, true, true)
		middlePoints = points
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, false, err
	}

	result, ok := combine(agg, headVal, headOK, tailVal, tailOK, middlePoints)
	return result, ok, nil
}

// aggregateDirect materializes [start, end) and computes agg directly
// against the combined SparseMap. Used for remainders (always within one
// block by construction) and as the small-range fallback.
func (c *Context) aggregateDirect(ctx context.Context, namespace uint32, keyID uint32, start, end int64, agg AggregateKind) (float32, bool, error) {
	combined, err := c.materialize(ctx, namespace, keyID, start, end)
	if err != nil {
		return 0, false, err
	}
	defer combined.Release()

	switch agg {
	case AggregateSum:
		v, err := combined.Sum()
		return v, true, err
	case AggregateCount:
		n, err := combined.Count()
		return float32(n), true, err
	case AggregateMin:
		return combined.Min()
	case AggregateMax:
		return combined.Max()
	default:
		return 0, false, gaugederrors.New(gaugederrors.KindArgument, fmt.Sprintf("querycontext: unknown aggregate %s", agg))
	}
}

func combine(agg AggregateKind, headVal float32, headOK bool, tailVal float32, tailOK bool, middle []SeriesPoint) (float32, bool) {
	switch agg {
	case AggregateSum, AggregateCount:
		var total float32
		any := false
		if headOK {
			total += headVal
			any = true
		}
		if tailOK {
			total += tailVal
			any = true
		}
		for _, p := range middle {
			if p.HasValue {
				total += p.Value
				any = true
			}
		}
		if !any {
			return 0, false
		}
		return total, true
	case AggregateMin, AggregateMax:
		var result float32
		found := false
		consider := func(v float32, ok bool) {
			if !ok {
				return
			}
			if !found {
				result, found = v, true
				return
			}
			if agg == AggregateMin && v < result {
				result = v
			}
			if agg == AggregateMax && v > result {
				result = v
			}
		}
		consider(headVal, headOK)
		consider(tailVal, tailOK)
		for _, p := range middle {
			consider(p.Value, p.HasValue)
		}
		return result, found
	default:
		return 0, false
	}
}

// Percentile computes the p-th percentile over [start, end) by fully
// materializing the range and consuming it via SparseMap.Percentile. This
// path never consults the cache.
func (c *Context) Percentile(ctx context.Context, namespace uint32, key string, start, end int64, p float64) (float32, bool, error) {
	keyID, found, err := c.resolveKeyID(ctx, namespace, key)
	if err != nil || !found {
		return 0, false, err
	}
	combined, err := c.materialize(ctx, namespace, keyID, start, end)
	if err != nil {
		return 0, false, err
	}
	return combined.Percentile(p)
}

// Median is Percentile(50).
func (c *Context) Median(ctx context.Context, namespace uint32, key string, start, end int64) (float32, bool, error) {
	return c.Percentile(ctx, namespace, key, start, end, 50)
}
