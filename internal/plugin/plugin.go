// Package plugin defines the contract between the Indexer Runtime and
// the projections it drives: a stable name, a monotonically
// increasing version, and the initialize/extract/save operations
// spec'd for the runtime's checkpoint-atomic commit loop.
package plugin

import (
	"context"

	"github.com/evmindexer/core/internal/store"
)

// TxBatch is one sequential slice of decoded transactions (with their
// optional traces) handed to a plugin's Extract, as read from the
// block store via get_tx_batch.
type TxBatch struct {
	FromTxNum int64
	ToTxNum   int64
	Txs       []store.DecodedTx
}

// Plugin is implemented by every projection the Indexer Runtime can
// drive. Extract must be a pure function over its input batch: it may
// not touch any store. Save applies the delta under a
// runtime-managed transaction on the plugin's own projection store.
type Plugin interface {
	// Name is a stable identifier; it also names the projection
	// store file on disk.
	Name() string
	// Version is bumped whenever the projection's schema or
	// extraction semantics change incompatibly. A version bump signals
	// the runtime to provision a fresh projection store.
	Version() int
	// UsesTraces reports whether this plugin's Extract reads the
	// trace field of its input transactions; the runtime uses this to
	// decide whether it must reject chains with tracing disabled.
	UsesTraces() bool

	// Initialize runs idempotent schema creation against the
	// plugin's own projection store. Called exactly once per (plugin
	// name, version), guarded by the runtime's initialization marker.
	Initialize(ctx context.Context, projection *store.Store) error
	// Extract computes an opaque, serializable delta from one batch.
	// Must not read or write any store.
	Extract(batch TxBatch) (interface{}, error)
	// Save applies delta within projection, a transaction the runtime
	// opened on the plugin's projection store, and may consult blocks,
	// a read-only handle on the fetcher's block store, for
	// denormalization. Save must not commit or roll projection back
	// itself — the runtime does that once it has also advanced the
	// checkpoint in the same transaction.
	Save(ctx context.Context, projection *store.Tx, blocks *store.Store, delta interface{}) error
}
