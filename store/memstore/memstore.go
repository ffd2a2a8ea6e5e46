// Package memstore is a process-local, mutex-guarded reference
// implementation of store.Store. It backs the writer and query-engine test
// suites and is suitable for embedded/ephemeral deployments that don't need
// durability across process restarts.
//
// The block/stat/cache tables are plain Go maps behind one mutex, not a
// concurrent map library, since nothing in the retrieved corpus shows one
// in actual use for this kind of single-writer-many-readers table. The
// per-namespace key dictionary's ordered index (backing Keys' prefix/
// limit/offset scan) is a memtable.SkipList[string, uint32] instead: the
// id map alone only supports point lookup, and the teacher's skip list is
// exactly the "ordered key -> value" structure that operation needs.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/nullstream/gauged/gaugederrors"
	"github.com/nullstream/gauged/memtable"
	"github.com/nullstream/gauged/store"
)

// DefaultMaxKey is the default maximum key byte length.
const DefaultMaxKey = 1024

type blockKey struct {
	block int64
	keyID uint32
}

type cacheKey struct {
	hash     [20]byte
	interval int64
}

// MemStore is an in-memory store.Store.
type MemStore struct {
	mu     sync.Mutex
	maxKey int
	closed bool

	nextID   map[uint32]uint32
	ids      map[uint32]map[string]uint32
	keyBytes map[uint32]map[uint32][]byte
	keyIndex map[uint32]*memtable.SkipList[string, uint32]

	blocks     map[uint32]map[blockKey][]byte
	blockFlags map[uint32]map[blockKey]uint32

	stats map[uint32]map[int64]store.NamespaceStatistics

	cache map[uint32]map[cacheKey][]store.CacheEntry

	writerPos map[string]int64
	metadata  map[string]string
}

// New returns an empty MemStore with the given max key length (0 uses DefaultMaxKey).
func New(maxKey int) *MemStore {
	if maxKey <= 0 {
		maxKey = DefaultMaxKey
	}
	return &MemStore{
		maxKey:     maxKey,
		nextID:     make(map[uint32]uint32),
		ids:        make(map[uint32]map[string]uint32),
		keyBytes:   make(map[uint32]map[uint32][]byte),
		keyIndex:   make(map[uint32]*memtable.SkipList[string, uint32]),
		blocks:     make(map[uint32]map[blockKey][]byte),
		blockFlags: make(map[uint32]map[blockKey]uint32),
		stats:      make(map[uint32]map[int64]store.NamespaceStatistics),
		cache:      make(map[uint32]map[cacheKey][]store.CacheEntry),
		writerPos:  make(map[string]int64),
		metadata:   make(map[string]string),
	}
}

func (m *MemStore) checkOpen() error {
	if m.closed {
		return gaugederrors.New(gaugederrors.KindArgument, "memstore: closed")
	}
	return nil
}

func (m *MemStore) CreateSchema(ctx context.Context) error { return m.checkOpen() }
func (m *MemStore) ClearSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	*m = *New(m.maxKey)
	return nil
}
func (m *MemStore) DropSchema(ctx context.Context) error { return m.ClearSchema(ctx) }

func (m *MemStore) Keys(ctx context.Context, namespace uint32, prefix []byte, limit, offset int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	index := m.keyIndex[namespace]
	out := make([][]byte, 0)
	if index != nil {
		for rec := range index.Iterator() {
			if len(prefix) > 0 && !bytes.HasPrefix([]byte(rec.Key), prefix) {
				continue
			}
			out = append(out, []byte(rec.Key))
		}
	}

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) LookupIDs(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[string]uint32, len(keys))
	byKey := m.ids[namespace]
	for _, k := range keys {
		if id, ok := byKey[string(k)]; ok {
			out[string(k)] = id
		}
	}
	return out, nil
}

func (m *MemStore) InsertKeys(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	byKey, ok := m.ids[namespace]
	if !ok {
		byKey = make(map[string]uint32)
		m.ids[namespace] = byKey
	}
	byID, ok := m.keyBytes[namespace]
	if !ok {
		byID = make(map[uint32][]byte)
		m.keyBytes[namespace] = byID
	}
	index, ok := m.keyIndex[namespace]
	if !ok {
		index = memtable.NewSkipListMemtable[string, uint32]()
		m.keyIndex[namespace] = index
	}

	out := make(map[string]uint32, len(keys))
	for _, k := range keys {
		ks := string(k)
		if id, exists := byKey[ks]; exists {
			out[ks] = id
			continue
		}
		m.nextID[namespace]++
		id := m.nextID[namespace]
		byKey[ks] = id
		byID[id] = append([]byte(nil), k...)
		index.Put(ks, id)
		out[ks] = id
	}
	return out, nil
}

func (m *MemStore) GetBlock(ctx context.Context, namespace uint32, block int64, keyID uint32) ([]byte, uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, 0, false, err
	}

	nsBlocks := m.blocks[namespace]
	if nsBlocks == nil {
		return nil, 0, false, nil
	}
	bk := blockKey{block: block, keyID: keyID}
	data, ok := nsBlocks[bk]
	if !ok {
		return nil, 0, false, nil
	}
	flags := m.blockFlags[namespace][bk]
	out := append([]byte(nil), data...)
	return out, flags, true, nil
}

func (m *MemStore) ReplaceBlocks(ctx context.Context, rows []store.BlockRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for _, row := range rows {
		m.ensureNamespaceBlocks(row.Namespace)
		bk := blockKey{block: row.Block, keyID: row.KeyID}
		m.blocks[row.Namespace][bk] = append([]byte(nil), row.Bytes...)
		m.blockFlags[row.Namespace][bk] = row.Flags
	}
	return nil
}

func (m *MemStore) InsertOrAppendBlocks(ctx context.Context, rows []store.BlockRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for _, row := range rows {
		m.ensureNamespaceBlocks(row.Namespace)
		bk := blockKey{block: row.Block, keyID: row.KeyID}
		existing := m.blocks[row.Namespace][bk]
		combined := append(append([]byte(nil), existing...), row.Bytes...)
		m.blocks[row.Namespace][bk] = combined
		m.blockFlags[row.Namespace][bk] = row.Flags
	}
	return nil
}

func (m *MemStore) ensureNamespaceBlocks(namespace uint32) {
	if m.blocks[namespace] == nil {
		m.blocks[namespace] = make(map[blockKey][]byte)
		m.blockFlags[namespace] = make(map[blockKey]uint32)
	}
}

func (m *MemStore) BlockOffsetBounds(ctx context.Context, namespace uint32) (int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, 0, false, err
	}

	stats := m.stats[namespace]
	if len(stats) == 0 {
		return 0, 0, false, nil
	}
	first := true
	var min, max int64
	for block := range stats {
		if first || block < min {
			min = block
		}
		if first || block > max {
			max = block
		}
		first = false
	}
	return min, max, true, nil
}

func (m *MemStore) AddNamespaceStatistics(ctx context.Context, namespace uint32, block int64, dataPoints, byteCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	byBlock, ok := m.stats[namespace]
	if !ok {
		byBlock = make(map[int64]store.NamespaceStatistics)
		m.stats[namespace] = byBlock
	}
	s := byBlock[block]
	s.DataPoints += dataPoints
	s.ByteCount += byteCount
	byBlock[block] = s
	return nil
}

func (m *MemStore) GetNamespaceStatistics(ctx context.Context, namespace uint32, startBlock, endBlock int64) (store.NamespaceStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return store.NamespaceStatistics{}, err
	}

	var total store.NamespaceStatistics
	for block, s := range m.stats[namespace] {
		if block < startBlock || block > endBlock {
			continue
		}
		total.DataPoints += s.DataPoints
		total.ByteCount += s.ByteCount
	}
	return total, nil
}

func (m *MemStore) GetCache(ctx context.Context, namespace uint32, hash [20]byte, interval int64, start, end int64) ([]store.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows := m.cache[namespace][cacheKey{hash: hash, interval: interval}]
	out := make([]store.CacheEntry, 0, len(rows))
	for _, r := range rows {
		if r.Start >= start && r.Start <= end {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemStore) AddCache(ctx context.Context, namespace uint32, hash [20]byte, interval int64, entries []store.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	byNS, ok := m.cache[namespace]
	if !ok {
		byNS = make(map[cacheKey][]store.CacheEntry)
		m.cache[namespace] = byNS
	}
	ck := cacheKey{hash: hash, interval: interval}
	existing := make(map[int64]bool, len(byNS[ck]))
	for _, e := range byNS[ck] {
		existing[e.Start] = true
	}
	for _, e := range entries {
		if existing[e.Start] {
			continue
		}
		byNS[ck] = append(byNS[ck], e)
		existing[e.Start] = true
	}
	return nil
}

func (m *MemStore) RemoveCache(ctx context.Context, namespace uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	delete(m.cache, namespace)
	return nil
}

func (m *MemStore) SetWriterPosition(ctx context.Context, name string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.writerPos[name] = ts
	return nil
}

func (m *MemStore) GetWriterPosition(ctx context.Context, name string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, false, err
	}
	ts, ok := m.writerPos[name]
	return ts, ok, nil
}

func (m *MemStore) SetMetadata(ctx context.Context, kv map[string]string, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for k, v := range kv {
		if _, exists := m.metadata[k]; exists && !replace {
			continue
		}
		m.metadata[k] = v
	}
	return nil
}

func (m *MemStore) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return "", false, err
	}
	v, ok := m.metadata[key]
	return v, ok, nil
}

func (m *MemStore) GetAllMetadata(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) RemoveNamespace(ctx context.Context, namespace uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	delete(m.ids, namespace)
	delete(m.keyBytes, namespace)
	delete(m.keyIndex, namespace)
	delete(m.blocks, namespace)
	delete(m.blockFlags, namespace)
	delete(m.stats, namespace)
	delete(m.cache, namespace)
	delete(m.nextID, namespace)
	return nil
}

func (m *MemStore) ClearFrom(ctx context.Context, blockOffset int64, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	for ns, blocks := range m.blocks {
		for bk := range blocks {
			if bk.block >= blockOffset {
				delete(blocks, bk)
				delete(m.blockFlags[ns], bk)
			}
		}
	}
	for ns, byBlock := range m.stats {
		for block := range byBlock {
			if block >= blockOffset {
				delete(byBlock, block)
			}
		}
		_ = ns
	}
	for ns, byKey := range m.cache {
		for ck, rows := range byKey {
			kept := rows[:0:0]
			for _, r := range rows {
				if r.Start+ck.interval < timestamp {
					kept = append(kept, r)
				}
			}
			byKey[ck] = kept
		}
		_ = ns
	}
	for name, ts := range m.writerPos {
		if ts > timestamp {
			m.writerPos[name] = timestamp
		}
	}
	return nil
}

func (m *MemStore) Commit(ctx context.Context) error {
	return m.checkOpen()
}

func (m *MemStore) MaxKey() int { return m.maxKey }

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
