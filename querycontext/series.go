package querycontext

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nullstream/gauged/store"
)

// SeriesPoint is one step of a value_series or aggregate_series result.
// HasValue is false for a step with no data ("no value" per spec.md §4.4.2),
// which callers render as null/None rather than zero.
type SeriesPoint struct {
	Start    int64
	HasValue bool
	Value    float32
}

// ValueSeries steps through [start, end) at interval, taking the
// point-in-time Value at each step start. It never consults the aggregate
// cache regardless of the cache argument; point lookups are cheap enough,
// and their result depends on MaxLookBehind rather than block alignment.
// cache is accepted only so callers can pass the same construction input
// uniformly across every series query.
func (c *Context) ValueSeries(ctx context.Context, namespace uint32, key string, start, end, interval int64, cache bool) ([]SeriesPoint, error) {
	if err := c.checkInterval(start, end, interval, false); err != nil {
		return nil, err
	}
	points := make([]SeriesPoint, 0, (end-start)/interval+1)
	for t := start; t < end; t += interval {
		v, ok, err := c.Value(ctx, namespace, key, t)
		if err != nil {
			return nil, err
		}
		points = append(points, SeriesPoint{Start: t, HasValue: ok, Value: v})
	}
	return points, nil
}

// AggregateSeries steps through [start, end) at interval, computing agg over
// each [step, step+interval) window. When cache is true, associative
// aggregates at block-aligned interval are cached by (key, aggregate,
// interval) hash. Mean and StdDev are derived per step from the Sum and
// Count series, which go through that same cache when cache is true;
// everything else (cache false, unaligned intervals) is computed directly
// on every call.
func (c *Context) AggregateSeries(ctx context.Context, namespace uint32, key string, start, end, interval int64, agg AggregateKind, cache bool) ([]SeriesPoint, error) {
	if err := c.checkInterval(start, end, interval, false); err != nil {
		return nil, err
	}
	keyID, found, err := c.resolveKeyID(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if !found {
		points := make([]SeriesPoint, 0, (end-start)/interval)
		for t := start; t < end; t += interval {
			points = append(points, SeriesPoint{Start: t})
		}
		return points, nil
	}
	return c.aggregateSeriesByID(ctx, namespace, keyID, start, end, interval, agg, false, cache)
}

// aggregateSeriesByID is the shared series engine: it backs both the public
// AggregateSeries entry point and the block-aligned "middle" term of
// Aggregate's associative decomposition (suppressSteps=true there, since
// that call's step count is governed by the caller's range, not
// MaxIntervalSteps; the middle term is always one of the associative kinds).
func (c *Context) aggregateSeriesByID(ctx context.Context, namespace uint32, keyID uint32, start, end, interval int64, agg AggregateKind, suppressSteps, cache bool) ([]SeriesPoint, error) {
	if err := c.checkInterval(start, end, interval, suppressSteps); err != nil {
		return nil, err
	}

	if agg == AggregateMean || agg == AggregateStdDev {
		return c.derivedSeries(ctx, namespace, keyID, start, end, interval, agg, cache)
	}

	useCache := cache &&
		agg.isAssociative() &&
		interval == c.cfg.BlockSize &&
		start%c.cfg.BlockSize == 0 &&
		(c.cfg.MinCacheInterval <= 0 || interval >= c.cfg.MinCacheInterval)

	if !useCache {
		return c.directSeries(ctx, namespace, keyID, start, end, interval, agg)
	}

	hash := seriesCacheHash(keyID, agg)
	cached, err := c.st.GetCache(ctx, namespace, hash, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("gauged/querycontext: get_cache: %w", err)
	}
	have := make(map[int64]float32, len(cached))
	for _, e := range cached {
		have[e.Start] = e.Value
	}

	var missing []int64
	for t := start; t < end; t += interval {
		if _, ok := have[t]; !ok {
			missing = append(missing, t)
		}
	}

	if len(missing) > 0 {
		sfKey := fmt.Sprintf("%x:%d:%d:%d:%d", hash, namespace, interval, missing[0], missing[len(missing)-1])
		_, err, _ := c.sf.Do(sfKey, func() (any, error) {
			_, maxBlock, haveBounds, err := c.st.BlockOffsetBounds(ctx, namespace)
			if err != nil {
				return nil, fmt.Errorf("gauged/querycontext: block_offset_bounds: %w", err)
			}
			// cache_until: never cache a step covering the block still being
			// written (spec's "cache_until = max_block*BlockSize").
			var cacheUntil int64
			if haveBounds {
				cacheUntil = maxBlock * c.cfg.BlockSize
			}

			var entries []store.CacheEntry
			for _, t := range missing {
				v, ok, err := c.aggregateDirect(ctx, namespace, keyID, t, t+interval, agg)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				have[t] = v
				if t+interval <= cacheUntil {
					entries = append(entries, store.CacheEntry{Start: t, Value: v})
				}
			}
			if len(entries) > 0 {
				if err := c.st.AddCache(ctx, namespace, hash, interval, entries); err != nil {
					return nil, fmt.Errorf("gauged/querycontext: add_cache: %w", err)
				}
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}

	points := make([]SeriesPoint, 0, (end-start)/interval)
	for t := start; t < end; t += interval {
		v, ok := have[t]
		points = append(points, SeriesPoint{Start: t, HasValue: ok, Value: v})
	}
	return points, nil
}

// directSeries computes each step by direct materialization, with no cache
// involvement: used by aggregateSeriesByID whenever it does not take the
// cache path (cache false, non-block-aligned start or interval, or an
// interval below MinCacheInterval).
func (c *Context) directSeries(ctx context.Context, namespace uint32, keyID uint32, start, end, interval int64, agg AggregateKind) ([]SeriesPoint, error) {
	points := make([]SeriesPoint, 0, (end-start)/interval+1)
	for t := start; t < end; t += interval {
		stepEnd := t + interval
		if stepEnd > end {
			stepEnd = end
		}
		v, ok, err := c.aggregateDirect(ctx, namespace, keyID, t, stepEnd, agg)
		if err != nil {
			return nil, err
		}
		points = append(points, SeriesPoint{Start: t, HasValue: ok, Value: v})
	}
	return points, nil
}

// derivedSeries computes Mean/StdDev at each step from the associative
// primitives, reusing the cache (when cache is true) through
// aggregateSeriesByID's sum/count path.
func (c *Context) derivedSeries(ctx context.Context, namespace uint32, keyID uint32, start, end, interval int64, agg AggregateKind, cache bool) ([]SeriesPoint, error) {
	sums, err := c.aggregateSeriesByID(ctx, namespace, keyID, start, end, interval, AggregateSum, true, cache)
	if err != nil {
		return nil, err
	}
	counts, err := c.aggregateSeriesByID(ctx, namespace, keyID, start, end, interval, AggregateCount, true, cache)
	if err != nil {
		return nil, err
	}

	points := make([]SeriesPoint, len(sums))
	for i := range sums {
		points[i].Start = sums[i].Start
		if !sums[i].HasValue || !counts[i].HasValue || counts[i].Value == 0 {
			continue
		}
		mean := sums[i].Value / counts[i].Value
		if agg == AggregateMean {
			points[i].HasValue = true
			points[i].Value = mean
			continue
		}
		combined, err := c.materialize(ctx, namespace, keyID, sums[i].Start, sums[i].Start+interval)
		if err != nil {
			return nil, err
		}
		sumSq, err := combined.SumOfSquares(mean)
		combined.Release()
		if err != nil {
			return nil, err
		}
		points[i].HasValue = true
		points[i].Value = float32(math.Sqrt(float64(sumSq) / float64(counts[i].Value)))
	}
	return points, nil
}

// seriesCacheHash derives the 20-byte SHA-1 cache key for (keyID, agg),
// matching spec.md §4.4.5's "identity of the computation" framing: the
// (namespace, interval, [start,end)) dimensions are carried separately as
// SQL predicates, so only the per-point identity needs to be hashed.
func seriesCacheHash(keyID uint32, agg AggregateKind) [20]byte {
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], keyID)
	buf[4] = byte(agg)
	return sha1.Sum(buf[:])
}
