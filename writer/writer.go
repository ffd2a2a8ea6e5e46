// Package writer implements the gauged block-oriented columnar writer: it
// stages incoming measurements into per-(namespace,key) SparseMaps for the
// current block and flushes them to a store.Store on block rollover, on
// explicit Flush, or on a periodic-flush tick.
package writer

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullstream/gauged/floatarray"
	"github.com/nullstream/gauged/gaugederrors"
	"github.com/nullstream/gauged/keycache"
	"github.com/nullstream/gauged/sparsemap"
	"github.com/nullstream/gauged/store"
)

// Config configures a Writer. Resolution and BlockSize are milliseconds;
// BlockSize must be an exact multiple of Resolution.
type Config struct {
	Namespace         uint32
	Name              string // writer_name, used for writer-position tracking
	Resolution        int64
	BlockSize         int64
	OverwriteBlocks   bool
	AppendOnlyPolicy  gaugederrors.Policy
	KeyOverflowPolicy gaugederrors.Policy
	NaNPolicy         gaugederrors.Policy
	KeyWhitelist      map[string]struct{} // nil means "no whitelist"
	KeyCacheCapacity  int
	FlushInterval     time.Duration // 0 disables the periodic-flush ticker
}

type pendingKey struct {
	namespace uint32
	key       string
}

type nsAccum struct {
	dataPoints int64
	byteCount  int64
}

// Writer is thread-confined: Add/Flush/Close must be called from a single
// goroutine. The only background activity is the periodic-flush ticker,
// whose sole effect is setting an atomic flag observed by the next Add.
type Writer struct {
	st       store.Store
	cfg      Config
	slots    int64 // S = BlockSize/Resolution
	keyCache *keycache.Cache

	pendingOrder []pendingKey
	pending      map[pendingKey]*sparsemap.SparseMap
	// slotValues accumulates values for the in-progress current slot, one
	// FloatArray per key, until the slot advances or the block flushes —
	// at which point each key's accumulator is committed into its
	// SparseMap via a single Append. This is the "flush arrays" primitive
	// spec.md §4.3.1 step 4 refers to.
	slotValues map[pendingKey]*floatarray.FloatArray
	stats      map[uint32]*nsAccum

	hasCurrent   bool
	currentBlock int64
	currentSlot  int64

	hasResume      bool
	resumePosition int64

	flushNow atomic.Bool
	tickerWG sync.WaitGroup
	tickerC  chan struct{}
}

// Open constructs a Writer against st, loading the stored writer position
// (if any) as the resume floor.
func Open(ctx context.Context, st store.Store, cfg Config) (*Writer, error) {
	if cfg.Resolution <= 0 || cfg.BlockSize <= 0 || cfg.BlockSize%cfg.Resolution != 0 {
		return nil, gaugederrors.New(gaugederrors.KindArgument, "writer: block_size must be a positive multiple of resolution")
	}
	if cfg.Name == "" {
		return nil, gaugederrors.New(gaugederrors.KindArgument, "writer: Name (writer_name) is required")
	}

	w := &Writer{
		st:       st,
		cfg:      cfg,
		slots:    cfg.BlockSize / cfg.Resolution,
		keyCache:   keycache.New(cfg.KeyCacheCapacity),
		pending:    make(map[pendingKey]*sparsemap.SparseMap),
		slotValues: make(map[pendingKey]*floatarray.FloatArray),
		stats:      make(map[uint32]*nsAccum),
	}

	pos, ok, err := st.GetWriterPosition(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("gauged/writer: load writer position: %w", err)
	}
	if ok {
		w.hasResume = true
		w.resumePosition = pos
	}

	if cfg.FlushInterval > 0 {
		w.startTicker(cfg.FlushInterval)
	}
	return w, nil
}

func (w *Writer) startTicker(d time.Duration) {
	w.tickerC = make(chan struct{})
	w.tickerWG.Add(1)
	go func() {
		defer w.tickerWG.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				// The ticker goroutine never touches pending state directly;
				// it only raises a flag the writer goroutine observes on the
				// next Add, matching the single-goroutine-owns-the-data
				// discipline the rest of this module follows.
				w.flushNow.Store(true)
			case <-w.tickerC:
				return
			}
		}
	}()
}

// ResumeFrom returns the stored writer position, if any.
func (w *Writer) ResumeFrom() (int64, bool) {
	return w.resumePosition, w.hasResume
}

// AddOption overrides a default for a single Add call.
type AddOption func(*addOptions)

type addOptions struct {
	namespace    uint32
	hasNamespace bool
	timestamp    int64
	hasTimestamp bool
}

// WithNamespace overrides Config.Namespace for one Add call.
func WithNamespace(ns uint32) AddOption {
	return func(o *addOptions) { o.namespace, o.hasNamespace = ns, true }
}

// WithTimestamp overrides the wall-clock default for one Add call.
func WithTimestamp(ts int64) AddOption {
	return func(o *addOptions) { o.timestamp, o.hasTimestamp = ts, true }
}

// Add stages in's pairs into the current block. in may be a Measurement,
// Pairs, Mapping, or QueryString.
func (w *Writer) Add(ctx context.Context, in Input, opts ...AddOption) error {
	o := addOptions{namespace: w.cfg.Namespace, timestamp: time.Now().UnixMilli()}
	for _, opt := range opts {
		opt(&o)
	}
	namespace, t := o.namespace, o.timestamp

	pairs, err := in.toPairs()
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}

	if w.hasResume && t < w.resumePosition {
		switch w.cfg.AppendOnlyPolicy {
		case gaugederrors.PolicyIgnore:
			return nil
		case gaugederrors.PolicyRewrite:
			t = w.resumePosition
		default:
			return w.appendOnlyViolation(namespace, nil)
		}
	}

	tb := t / w.cfg.BlockSize
	ts := (t % w.cfg.BlockSize) / w.cfg.Resolution

	if w.hasCurrent && (tb < w.currentBlock || (tb == w.currentBlock && ts < w.currentSlot)) {
		switch w.cfg.AppendOnlyPolicy {
		case gaugederrors.PolicyIgnore:
			return nil
		case gaugederrors.PolicyRewrite:
			tb, ts = w.currentBlock, w.currentSlot
		default:
			return w.appendOnlyViolation(namespace, nil)
		}
	}

	if !w.hasCurrent || tb > w.currentBlock {
		if w.hasCurrent {
			if err := w.commitSlotValues(w.currentSlot); err != nil {
				return err
			}
			if err := w.flush(ctx); err != nil {
				return err
			}
		}
		w.currentBlock, w.currentSlot, w.hasCurrent = tb, ts, true
	} else if ts > w.currentSlot {
		if err := w.commitSlotValues(w.currentSlot); err != nil {
			return err
		}
		w.currentSlot = ts
	}

	var accepted int64
	for _, pair := range pairs {
		ok, err := w.addOne(namespace, pair)
		if err != nil {
			return err
		}
		if ok {
			accepted++
		}
	}
	w.accum(namespace).dataPoints += accepted

	if w.flushNow.CompareAndSwap(true, false) {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) appendOnlyViolation(namespace uint32, key []byte) error {
	return gaugederrors.WithNamespace(gaugederrors.KindAppendOnly, "timestamp precedes last accepted measurement", namespace, key)
}

// addOne stages pair's value for the current slot, reporting (accepted,
// err): accepted is false when a configured IGNORE/whitelist policy drops
// the pair without error.
func (w *Writer) addOne(namespace uint32, pair KV) (bool, error) {
	keyBytes := []byte(pair.Key)

	if len(keyBytes) > w.st.MaxKey() {
		if w.cfg.KeyOverflowPolicy == gaugederrors.PolicyIgnore {
			return false, nil
		}
		return false, gaugederrors.WithNamespace(gaugederrors.KindKeyOverflow, "key exceeds MAX_KEY", namespace, keyBytes)
	}
	if w.cfg.KeyWhitelist != nil {
		if _, ok := w.cfg.KeyWhitelist[pair.Key]; !ok {
			return false, nil
		}
	}

	value := float32(pair.Value)
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		if w.cfg.NaNPolicy == gaugederrors.PolicyIgnore {
			return false, nil
		}
		return false, gaugederrors.WithNamespace(gaugederrors.KindNaN, "non-finite value", namespace, keyBytes)
	}

	pk := pendingKey{namespace: namespace, key: pair.Key}
	if _, ok := w.pending[pk]; !ok {
		w.pending[pk] = sparsemap.New(int(w.slots))
		w.pendingOrder = append(w.pendingOrder, pk)
	}
	arr, ok := w.slotValues[pk]
	if !ok {
		arr = floatarray.New()
		w.slotValues[pk] = arr
	}
	if err := arr.Append(value); err != nil {
		return false, err
	}
	return true, nil
}

// commitSlotValues appends every key's accumulated current-slot values into
// its SparseMap as a single record, then resets the accumulators. Called
// whenever the slot is about to advance (slot bump or block rollover).
func (w *Writer) commitSlotValues(slot int64) error {
	for _, pk := range w.pendingOrder {
		arr, ok := w.slotValues[pk]
		if !ok || arr.Len() == 0 {
			continue
		}
		if err := w.pending[pk].Append(int(slot), arr); err != nil {
			return err
		}
		arr.Release()
		delete(w.slotValues, pk)
	}
	return nil
}

func (w *Writer) accum(namespace uint32) *nsAccum {
	a, ok := w.stats[namespace]
	if !ok {
		a = &nsAccum{}
		w.stats[namespace] = a
	}
	return a
}

// Flush forces a full flush of pending SparseMaps for the current block
// without waiting for a block boundary or a periodic-flush tick. Any values
// accumulated for the in-progress current slot are committed first, so a
// later Add at the same slot builds against a fresh, empty SparseMap.
func (w *Writer) Flush(ctx context.Context) error {
	if !w.hasCurrent {
		return nil
	}
	if err := w.commitSlotValues(w.currentSlot); err != nil {
		return err
	}
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) error {
	block := w.currentBlock
	var rows []store.BlockRow
	byteCountByNS := make(map[uint32]int64)

	keysByNS := make(map[uint32][][]byte)
	for _, pk := range w.pendingOrder {
		keysByNS[pk.namespace] = append(keysByNS[pk.namespace], []byte(pk.key))
	}
	idsByNS := make(map[uint32]map[string]uint32)
	for ns, keys := range keysByNS {
		ids, err := w.resolveIDs(ctx, ns, keys)
		if err != nil {
			return err
		}
		idsByNS[ns] = ids
	}

	for _, pk := range w.pendingOrder {
		sm := w.pending[pk]
		n, err := sm.ByteLength()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		data, err := sm.Bytes()
		if err != nil {
			return err
		}
		id := idsByNS[pk.namespace][pk.key]
		rows = append(rows, store.BlockRow{Namespace: pk.namespace, Block: block, KeyID: id, Bytes: data})
		byteCountByNS[pk.namespace] += int64(n)
	}

	if len(rows) > 0 {
		var err error
		if w.cfg.OverwriteBlocks {
			err = w.st.ReplaceBlocks(ctx, rows)
		} else {
			err = w.st.InsertOrAppendBlocks(ctx, rows)
		}
		if err != nil {
			return fmt.Errorf("gauged/writer: flush blocks: %w", err)
		}
	}

	for ns, acc := range w.stats {
		if acc.dataPoints == 0 && byteCountByNS[ns] == 0 {
			continue
		}
		if err := w.st.AddNamespaceStatistics(ctx, ns, block, acc.dataPoints, byteCountByNS[ns]); err != nil {
			return fmt.Errorf("gauged/writer: add namespace statistics: %w", err)
		}
	}

	position := block*w.cfg.BlockSize + w.currentSlot*w.cfg.Resolution
	if err := w.st.SetWriterPosition(ctx, w.cfg.Name, position); err != nil {
		return fmt.Errorf("gauged/writer: set writer position: %w", err)
	}
	w.hasResume, w.resumePosition = true, position

	if err := w.st.Commit(ctx); err != nil {
		return fmt.Errorf("gauged/writer: commit: %w", err)
	}

	w.pending = make(map[pendingKey]*sparsemap.SparseMap)
	w.pendingOrder = nil
	w.stats = make(map[uint32]*nsAccum)
	return nil
}

// resolveIDs assigns IDs to keys, consulting the Bloom-prefiltered LRU
// before falling back to the store's lookup_ids/insert_keys.
func (w *Writer) resolveIDs(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error) {
	out := make(map[string]uint32, len(keys))
	var unresolved [][]byte

	for _, k := range keys {
		if w.keyCache.MightContain(namespace, k) {
			if id, ok := w.keyCache.Get(namespace, k); ok {
				out[string(k)] = id
				continue
			}
		}
		unresolved = append(unresolved, k)
	}
	if len(unresolved) == 0 {
		return out, nil
	}

	found, err := w.st.LookupIDs(ctx, namespace, unresolved)
	if err != nil {
		return nil, fmt.Errorf("gauged/writer: lookup_ids: %w", err)
	}
	var stillMissing [][]byte
	for _, k := range unresolved {
		if id, ok := found[string(k)]; ok {
			out[string(k)] = id
			w.keyCache.Put(namespace, k, id)
		} else {
			stillMissing = append(stillMissing, k)
		}
	}
	if len(stillMissing) == 0 {
		return out, nil
	}

	inserted, err := w.st.InsertKeys(ctx, namespace, stillMissing)
	if err != nil {
		return nil, fmt.Errorf("gauged/writer: insert_keys: %w", err)
	}
	for _, k := range stillMissing {
		id := inserted[string(k)]
		out[string(k)] = id
		w.keyCache.Put(namespace, k, id)
	}
	return out, nil
}

// ClearFrom drops every block, statistic, and cache row at or after t and
// clamps writer positions. t must be an exact multiple of BlockSize.
func (w *Writer) ClearFrom(ctx context.Context, t int64) error {
	if t%w.cfg.BlockSize != 0 {
		return gaugederrors.New(gaugederrors.KindArgument, "writer: clear_from timestamp must be block-aligned")
	}
	if err := w.st.ClearFrom(ctx, t/w.cfg.BlockSize, t); err != nil {
		return fmt.Errorf("gauged/writer: clear_from: %w", err)
	}
	if w.hasResume && w.resumePosition >= t {
		w.resumePosition = t
	}
	if w.hasCurrent && w.currentBlock >= t/w.cfg.BlockSize {
		w.hasCurrent = false
	}
	return nil
}

// Close cancels the periodic-flush ticker (if any) and performs a final
// flush before returning.
func (w *Writer) Close(ctx context.Context) error {
	if w.tickerC != nil {
		close(w.tickerC)
		w.tickerWG.Wait()
	}
	if err := w.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gauged/writer: final flush on close failed: %v\n", err)
		return err
	}
	return nil
}
