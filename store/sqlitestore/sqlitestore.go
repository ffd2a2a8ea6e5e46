// Package sqlitestore is a durable store.Store backed by SQLite, grounded
// verbatim on calvinalkan-agent-task's openSQLite/applyPragmas pattern
// (pkg/mddb/mddb.go, internal/store/index_sqlite.go): one *sql.DB per
// store, WAL journal mode, a busy timeout instead of in-process locking
// for the schema's own concurrency.
//
// It additionally mirrors the metadata row to an on-disk JSON file via
// github.com/natefinch/atomic (the same repo's ticket.go/lock.go pattern)
// which GetAllMetadata reads before falling back to the database;
// GetMetadata always queries the database. CreateSchema, ClearSchema and
// SetMetadata refresh the mirror; Open does not, and the database row stays
// the single source of truth.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullstream/gauged/gaugederrors"
	"github.com/nullstream/gauged/store"
)

// DefaultMaxKey is the default maximum key byte length.
const DefaultMaxKey = 1024

// Store is a SQLite-backed store.Store.
type Store struct {
	db            *sql.DB
	maxKey        int
	metadataMirror string // path to the on-disk JSON metadata mirror, or "" to disable
}

// Option configures Open.
type Option func(*Store)

// WithMaxKey overrides DefaultMaxKey.
func WithMaxKey(n int) Option {
	return func(s *Store) { s.maxKey = n }
}

// Open opens (creating if absent) a SQLite database at path and applies the
// durability pragmas. The caller must call CreateSchema before first use.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, gaugederrors.New(gaugederrors.KindArgument, "sqlitestore: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("gauged/sqlitestore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gauged/sqlitestore: ping: %w", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, maxKey: DefaultMaxKey, metadataMirror: path + ".metadata.json"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("gauged/sqlitestore: apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS gauged_keys (
	namespace INTEGER NOT NULL,
	key_id    INTEGER NOT NULL,
	key_bytes BLOB NOT NULL,
	PRIMARY KEY (namespace, key_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS gauged_keys_by_bytes ON gauged_keys(namespace, key_bytes);

CREATE TABLE IF NOT EXISTS gauged_blocks (
	namespace INTEGER NOT NULL,
	block     INTEGER NOT NULL,
	key_id    INTEGER NOT NULL,
	bytes     BLOB NOT NULL,
	flags     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, block, key_id)
);

CREATE TABLE IF NOT EXISTS gauged_stats (
	namespace   INTEGER NOT NULL,
	block       INTEGER NOT NULL,
	data_points INTEGER NOT NULL DEFAULT 0,
	byte_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, block)
);

CREATE TABLE IF NOT EXISTS gauged_cache (
	namespace INTEGER NOT NULL,
	hash      BLOB NOT NULL,
	interval  INTEGER NOT NULL,
	start     INTEGER NOT NULL,
	value     REAL NOT NULL,
	PRIMARY KEY (namespace, hash, interval, start)
);

CREATE TABLE IF NOT EXISTS gauged_writer_position (
	name TEXT PRIMARY KEY,
	ts   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS gauged_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// CreateSchema idempotently creates every table the store needs.
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("gauged/sqlitestore: create schema: %w", err)
	}
	return s.refreshMetadataMirror(ctx)
}

// ClearSchema truncates every table without dropping them.
func (s *Store) ClearSchema(ctx context.Context) error {
	tables := []string{"gauged_keys", "gauged_blocks", "gauged_stats", "gauged_cache", "gauged_writer_position", "gauged_metadata"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("gauged/sqlitestore: clear %s: %w", t, err)
		}
	}
	return s.refreshMetadataMirror(ctx)
}

// DropSchema drops every table.
func (s *Store) DropSchema(ctx context.Context) error {
	tables := []string{"gauged_keys", "gauged_blocks", "gauged_stats", "gauged_cache", "gauged_writer_position", "gauged_metadata"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("gauged/sqlitestore: drop %s: %w", t, err)
		}
	}
	if s.metadataMirror != "" {
		_ = os.Remove(s.metadataMirror)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, namespace uint32, prefix []byte, limit, offset int) ([][]byte, error) {
	query := "SELECT key_bytes FROM gauged_keys WHERE namespace = ?"
	args := []any{namespace}
	if len(prefix) > 0 {
		query += " AND substr(key_bytes,1,?) = ?"
		args = append(args, len(prefix), prefix)
	}
	query += " ORDER BY key_bytes"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("gauged/sqlitestore: keys: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) LookupIDs(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error) {
	out := make(map[string]uint32, len(keys))
	stmt, err := s.db.PrepareContext(ctx, "SELECT key_id FROM gauged_keys WHERE namespace = ? AND key_bytes = ?")
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, k := range keys {
		var id uint32
		err := stmt.QueryRowContext(ctx, namespace, k).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[string(k)] = id
	}
	return out, nil
}

func (s *Store) InsertKeys(ctx context.Context, namespace uint32, keys [][]byte) (map[string]uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	out := make(map[string]uint32, len(keys))
	for _, k := range keys {
		var id uint32
		err := tx.QueryRowContext(ctx, "SELECT key_id FROM gauged_keys WHERE namespace = ? AND key_bytes = ?", namespace, k).Scan(&id)
		if err == nil {
			out[string(k)] = id
			continue
		}
		if err != sql.ErrNoRows {
			return nil, err
		}

		var maxID sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MAX(key_id) FROM gauged_keys WHERE namespace = ?", namespace).Scan(&maxID); err != nil {
			return nil, err
		}
		next := uint32(1)
		if maxID.Valid {
			next = uint32(maxID.Int64) + 1
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO gauged_keys(namespace, key_id, key_bytes) VALUES (?,?,?)", namespace, next, k); err != nil {
			return nil, err
		}
		out[string(k)] = next
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (s *Store) GetBlock(ctx context.Context, namespace uint32, block int64, keyID uint32) ([]byte, uint32, bool, error) {
	var data []byte
	var flags uint32
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes, flags FROM gauged_blocks WHERE namespace=? AND block=? AND key_id=?",
		namespace, block, keyID,
	).Scan(&data, &flags)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return data, flags, true, nil
}

func (s *Store) ReplaceBlocks(ctx context.Context, rows []store.BlockRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gauged_blocks(namespace, block, key_id, bytes, flags) VALUES (?,?,?,?,?)
			 ON CONFLICT(namespace, block, key_id) DO UPDATE SET bytes=excluded.bytes, flags=excluded.flags`,
			r.Namespace, r.Block, r.KeyID, r.Bytes, r.Flags,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) InsertOrAppendBlocks(ctx context.Context, rows []store.BlockRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, r := range rows {
		var existing []byte
		err := tx.QueryRowContext(ctx, "SELECT bytes FROM gauged_blocks WHERE namespace=? AND block=? AND key_id=?",
			r.Namespace, r.Block, r.KeyID).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		combined := append(append([]byte(nil), existing...), r.Bytes...)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gauged_blocks(namespace, block, key_id, bytes, flags) VALUES (?,?,?,?,?)
			 ON CONFLICT(namespace, block, key_id) DO UPDATE SET bytes=excluded.bytes, flags=excluded.flags`,
			r.Namespace, r.Block, r.KeyID, combined, r.Flags,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) BlockOffsetBounds(ctx context.Context, namespace uint32) (int64, int64, bool, error) {
	var min, max sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MIN(block), MAX(block) FROM gauged_stats WHERE namespace=?", namespace).Scan(&min, &max)
	if err != nil {
		return 0, 0, false, err
	}
	if !min.Valid {
		return 0, 0, false, nil
	}
	return min.Int64, max.Int64, true, nil
}

func (s *Store) AddNamespaceStatistics(ctx context.Context, namespace uint32, block int64, dataPoints, byteCount int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gauged_stats(namespace, block, data_points, byte_count) VALUES (?,?,?,?)
		 ON CONFLICT(namespace, block) DO UPDATE SET
		   data_points = data_points + excluded.data_points,
		   byte_count = byte_count + excluded.byte_count`,
		namespace, block, dataPoints, byteCount,
	)
	return err
}

func (s *Store) GetNamespaceStatistics(ctx context.Context, namespace uint32, startBlock, endBlock int64) (store.NamespaceStatistics, error) {
	var dp, bc sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(data_points), SUM(byte_count) FROM gauged_stats WHERE namespace=? AND block BETWEEN ? AND ?",
		namespace, startBlock, endBlock,
	).Scan(&dp, &bc)
	if err != nil {
		return store.NamespaceStatistics{}, err
	}
	return store.NamespaceStatistics{DataPoints: dp.Int64, ByteCount: bc.Int64}, nil
}

func (s *Store) GetCache(ctx context.Context, namespace uint32, hash [20]byte, interval int64, start, end int64) ([]store.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT start, value FROM gauged_cache WHERE namespace=? AND hash=? AND interval=? AND start BETWEEN ? AND ?",
		namespace, hash[:], interval, start, end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CacheEntry
	for rows.Next() {
		var e store.CacheEntry
		if err := rows.Scan(&e.Start, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AddCache(ctx context.Context, namespace uint32, hash [20]byte, interval int64, entries []store.CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO gauged_cache(namespace, hash, interval, start, value) VALUES (?,?,?,?,?)",
			namespace, hash[:], interval, e.Start, e.Value,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) RemoveCache(ctx context.Context, namespace uint32) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM gauged_cache WHERE namespace=?", namespace)
	return err
}

func (s *Store) SetWriterPosition(ctx context.Context, name string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gauged_writer_position(name, ts) VALUES (?,?)
		 ON CONFLICT(name) DO UPDATE SET ts=excluded.ts`,
		name, ts,
	)
	return err
}

func (s *Store) GetWriterPosition(ctx context.Context, name string) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, "SELECT ts FROM gauged_writer_position WHERE name=?", name).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

func (s *Store) SetMetadata(ctx context.Context, kv map[string]string, replace bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for k, v := range kv {
		if replace {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO gauged_metadata(key, value) VALUES (?,?)
				 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO gauged_metadata(key, value) VALUES (?,?)", k, v); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return s.refreshMetadataMirror(ctx)
}

func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM gauged_metadata WHERE key=?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) GetAllMetadata(ctx context.Context) (map[string]string, error) {
	if mirror, ok := s.readMetadataMirror(); ok {
		return mirror, nil
	}
	return s.loadAllMetadataFromDB(ctx)
}

func (s *Store) loadAllMetadataFromDB(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM gauged_metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// refreshMetadataMirror rewrites the on-disk JSON mirror from the database.
// The mirror is a read-path optimization only; the database row remains
// authoritative and the mirror is always rebuildable from it.
func (s *Store) refreshMetadataMirror(ctx context.Context) error {
	if s.metadataMirror == "" {
		return nil
	}
	all, err := s.loadAllMetadataFromDB(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.metadataMirror), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.metadataMirror, bytes.NewReader(data))
}

func (s *Store) readMetadataMirror() (map[string]string, bool) {
	if s.metadataMirror == "" {
		return nil, false
	}
	data, err := os.ReadFile(s.metadataMirror)
	if err != nil {
		return nil, false
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *Store) RemoveNamespace(ctx context.Context, namespace uint32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tables := []string{"gauged_keys", "gauged_blocks", "gauged_stats", "gauged_cache"}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t+" WHERE namespace=?", namespace); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) ClearFrom(ctx context.Context, blockOffset int64, timestamp int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM gauged_blocks WHERE block >= ?", blockOffset); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM gauged_stats WHERE block >= ?", blockOffset); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM gauged_cache WHERE start + interval >= ?", timestamp); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE gauged_writer_position SET ts = MIN(ts, ?)", timestamp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Commit is a no-op: every write above already commits its own short
// transaction, matching the WAL journal mode's crash-safety guarantees.
// It exists to satisfy store.Store and to provide a natural place for a
// future batched-transaction mode.
func (s *Store) Commit(ctx context.Context) error {
	return nil
}

func (s *Store) MaxKey() int { return s.maxKey }

func (s *Store) Close() error {
	return s.db.Close()
}
