// Package store implements the Block Store: a single-file, embedded,
// transactional columnar store over modernc.org/sqlite, with every
// payload column held as a zstd-compressed opaque blob. Compression
// and decompression happen strictly at this package's boundary —
// callers never see compressed bytes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// codecTag is the store's own payload-version column value, distinct
// from the codec package's leading format-tag byte inside the
// payload itself. Any row read back with a different value halts the
// reader rather than risk silently misinterpreting it.
const codecTag = 0

// ErrUnknownCodecTag is returned when a stored row's codec_tag column
// does not match the version this build understands.
var ErrUnknownCodecTag = errors.New("store: unknown codec_tag")

// ErrNotContiguous is returned by StoreBlocks when the batch does not
// extend the store exactly from last+1 through last+len(batch).
var ErrNotContiguous = errors.New("store: block batch is not contiguous with the stored tip")

// ErrHasDebugMismatch is returned when a batch's trace presence
// disagrees with the store's has_debug setting, or when opening a
// store whose on-disk has_debug marker disagrees with the caller.
var ErrHasDebugMismatch = errors.New("store: has_debug mismatch")

// Store is a handle to one (chain, debug-flag) block store file.
// Exactly one writer handle may be open against a given file at a
// time; any number of reader handles may coexist with it.
type Store struct {
	db       *sql.DB
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	readOnly bool
	log      log.Logger
}

// OpenWriter opens (creating if necessary) the store file at path as
// the single writer: write-ahead journaling, relaxed synchronous
// durability (the system is idempotent on crash-replay since batches
// are transactional and progress is derived from the store itself),
// and a large page cache.
func OpenWriter(path string) (*Store, error) {
	return openWriter(path, schemaDDL)
}

// OpenProjectionWriter opens path as a single-writer handle with the
// same durability/cache tuning as OpenWriter, but without the
// block/tx-specific tables — a plugin's projection store only ever
// needs kv_int plus whatever schema its own Initialize creates.
func OpenProjectionWriter(path string) (*Store, error) {
	return openWriter(path, kvSchemaDDL)
}

func openWriter(path, schema string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; serializes at the sql.DB level too
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-65536", // 64 MiB
		"PRAGMA wal_autocheckpoint=1000",
	}
	return open(db, pragmas, false, schema)
}

// OpenReader opens path as a read-only handle: memory-mapped access,
// a generous cache, read-uncommitted so readers never wait on the
// writer's commit, and a short busy timeout so contention fails fast
// rather than stalling.
func OpenReader(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // the pragmas below apply per connection
	pragmas := []string{
		"PRAGMA query_only=ON",
		"PRAGMA mmap_size=268435456", // 256 MiB
		"PRAGMA cache_size=-32768",   // 32 MiB
		"PRAGMA read_uncommitted=ON",
		"PRAGMA busy_timeout=250",
	}
	return open(db, pragmas, true, "")
}

func open(db *sql.DB, pragmas []string, readOnly bool, schema string) (*Store, error) {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply %q: %w", p, err)
		}
	}
	if !readOnly {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: create schema: %w", err)
		}
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		enc.Close()
		return nil, fmt.Errorf("store: new zstd decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec, readOnly: readOnly, log: log.New("component", "store")}, nil
}

// kvSchemaDDL is the table every store handle needs regardless of
// role: chain id, head, has_debug, and per-plugin checkpoint/init
// markers all live here.
const kvSchemaDDL = `
CREATE TABLE IF NOT EXISTS kv_int (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL,
	codec_tag INTEGER NOT NULL
);
`

// schemaDDL is the full Block Store schema: kv_int plus the
// block/transaction tables. Projection stores use kvSchemaDDL alone —
// their own tables come from the owning plugin's Initialize.
const schemaDDL = kvSchemaDDL + `
CREATE TABLE IF NOT EXISTS blocks (
	number INTEGER PRIMARY KEY,
	hash BLOB UNIQUE NOT NULL,
	encoded_block BLOB NOT NULL,
	codec_tag INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS txs (
	tx_num INTEGER PRIMARY KEY,
	hash BLOB UNIQUE NOT NULL,
	block_number INTEGER NOT NULL,
	encoded_tx BLOB NOT NULL,
	encoded_trace BLOB,
	codec_tag INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txs_block_number ON txs(block_number);
`

// Close releases the store's prepared-statement cache and underlying
// file handle. Safe to call once per Store.
func (s *Store) Close() error {
	s.dec.Close()
	return errors.Join(s.enc.Close(), s.db.Close())
}

// Exec, Query and QueryRow expose the store's underlying connection
// directly to collaborators that need their own schema and DML — the
// plugin runtime's projection stores, which share this package's
// embedded-sqlite backend but own tables the block/tx schema above
// knows nothing about.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// BeginWrite opens a transaction for a collaborator-managed atomic
// write, such as the indexer runtime's commit step (apply a plugin's
// projection delta and advance its checkpoint together).
func (s *Store) BeginWrite(ctx context.Context) (*Tx, error) {
	if s.readOnly {
		return nil, errors.New("store: read-only handle cannot begin a write transaction")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) compress(b []byte) []byte {
	return s.enc.EncodeAll(b, nil)
}

func (s *Store) decompress(b []byte) ([]byte, error) {
	return s.dec.DecodeAll(b, nil)
}

// getInt reads one kv_int row, returning (0, false, nil) if absent.
func (s *Store) getInt(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	var tag int
	err := s.db.QueryRowContext(ctx, `SELECT value, codec_tag FROM kv_int WHERE key = ?`, key).Scan(&value, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: read kv_int[%s]: %w", key, err)
	}
	if tag != codecTag {
		return 0, false, fmt.Errorf("%w: kv_int[%s] tag=%d", ErrUnknownCodecTag, key, tag)
	}
	return value, true, nil
}

func (s *Store) setInt(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, key string, value int64) error {
	_, err := exec.ExecContext(ctx, `INSERT INTO kv_int(key, value, codec_tag) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, codec_tag = excluded.codec_tag`, key, value, codecTag)
	if err != nil {
		return fmt.Errorf("store: write kv_int[%s]: %w", key, err)
	}
	return nil
}

const (
	kvLastStoredBlock = "last_stored_block"
	kvChainID         = "evm_chain_id"
	kvHasDebug        = "has_debug"
	kvHasDebugSet     = "has_debug_set"
	kvLastKnownHead   = "last_known_head"
)

// GetLastStoredBlock returns the highest stored block number, or -1
// if the store is empty.
func (s *Store) GetLastStoredBlock(ctx context.Context) (int64, error) {
	v, ok, err := s.getInt(ctx, kvLastStoredBlock)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	return v, nil
}

// GetKV reads an arbitrary kv_int entry by key, for collaborators
// (the plugin runtime's checkpoint and initialization markers) that
// need the generic key/value surface rather than one of the named
// accessors below.
func (s *Store) GetKV(ctx context.Context, key string) (int64, bool, error) {
	return s.getInt(ctx, key)
}

// SetKV writes an arbitrary kv_int entry outside of any caller-managed
// transaction.
func (s *Store) SetKV(ctx context.Context, key string, value int64) error {
	return s.setInt(ctx, s.db, key, value)
}

// GetLastKnownHead returns the remote chain head observed by the most
// recent eth_blockNumber probe, or false if none has been recorded yet.
func (s *Store) GetLastKnownHead(ctx context.Context) (uint64, bool, error) {
	v, ok, err := s.getInt(ctx, kvLastKnownHead)
	return uint64(v), ok, err
}

// SetLastKnownHead persists the remote chain head observed by the
// fetch loop's startup and catch-up probes.
func (s *Store) SetLastKnownHead(ctx context.Context, head uint64) error {
	return s.setInt(ctx, s.db, kvLastKnownHead, int64(head))
}

// GetChainID returns the persisted EVM chain id, if known.
func (s *Store) GetChainID(ctx context.Context) (int64, bool, error) {
	return s.getInt(ctx, kvChainID)
}

// SetChainID persists the EVM chain id read from eth_chainId. Called
// once by the fetch loop's startup probe.
func (s *Store) SetChainID(ctx context.Context, chainID int64) error {
	return s.setInt(ctx, s.db, kvChainID, chainID)
}

// GetHasDebug reports whether debug tracing was enabled for this
// store, and whether that marker has ever been set.
func (s *Store) GetHasDebug(ctx context.Context) (bool, bool, error) {
	set, ok, err := s.getInt(ctx, kvHasDebugSet)
	if err != nil || !ok || set == 0 {
		return false, ok, err
	}
	v, _, err := s.getInt(ctx, kvHasDebug)
	if err != nil {
		return false, false, err
	}
	return v != 0, true, nil
}

// SetHasDebug is a one-time write: the first call persists the flag;
// every later call (including from a fresh process restart) must
// agree with the persisted value or it fails with ErrHasDebugMismatch.
func (s *Store) SetHasDebug(ctx context.Context, hasDebug bool) error {
	existing, set, err := s.GetHasDebug(ctx)
	if err != nil {
		return err
	}
	if set {
		if existing != hasDebug {
			return fmt.Errorf("%w: store has has_debug=%v, caller requested %v", ErrHasDebugMismatch, existing, hasDebug)
		}
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	v := int64(0)
	if hasDebug {
		v = 1
	}
	if err := s.setInt(ctx, tx, kvHasDebug, v); err != nil {
		return err
	}
	if err := s.setInt(ctx, tx, kvHasDebugSet, 1); err != nil {
		return err
	}
	return tx.Commit()
}
