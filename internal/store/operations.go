package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindexer/core/internal/chaintypes"
	"github.com/evmindexer/core/internal/codec"
	"github.com/evmindexer/core/internal/harvester"
)

// DecodedTx bundles one decoded transaction record with its trace,
// when traces are enabled and available for it.
type DecodedTx struct {
	Tx    *codec.Transaction
	Trace *codec.Trace
}

// DecodedBlock bundles one decoded block record with its transactions
// in ascending tx_num order.
type DecodedBlock struct {
	Number       uint64
	Block        *codec.Block
	Transactions []DecodedTx
}

// StoreBlocks atomically appends a batch of assembled blocks. The
// batch must be contiguous with the store's current tip
// (last_stored+1 .. last_stored+len(batch)); any gap, a
// has_debug/trace-presence mismatch, or a block with more than 65,535
// transactions rejects the whole batch with no partial
// write. An empty batch is a no-op that still reports success.
func (s *Store) StoreBlocks(ctx context.Context, blocks []harvester.StoredBlock) error {
	if s.readOnly {
		return errors.New("store: read-only handle cannot write")
	}
	if len(blocks) == 0 {
		return nil
	}

	hasDebug, set, err := s.GetHasDebug(ctx)
	if err != nil {
		return err
	}
	if !set {
		return errors.New("store: has_debug not set; call SetHasDebug before storing blocks")
	}

	sorted := make([]harvester.StoredBlock, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	for _, b := range sorted {
		if hasDebug && b.Traces == nil {
			return fmt.Errorf("%w: block %d missing traces but store has debug enabled", ErrHasDebugMismatch, b.Number)
		}
		if !hasDebug && b.Traces != nil {
			return fmt.Errorf("%w: block %d carries traces but store has debug disabled", ErrHasDebugMismatch, b.Number)
		}
		if len(b.TxHashes) >= 1<<16 {
			return fmt.Errorf("store: block %d has %d transactions, exceeds the 65535 limit", b.Number, len(b.TxHashes))
		}
	}

	last, err := s.GetLastStoredBlock(ctx)
	if err != nil {
		return err
	}
	for i, b := range sorted {
		want := uint64(last+1) + uint64(i)
		if b.Number != want {
			return fmt.Errorf("%w: expected block %d, got %d", ErrNotContiguous, want, b.Number)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range sorted {
		if err := s.insertBlock(ctx, tx, &b, hasDebug); err != nil {
			return err
		}
	}
	if err := s.setInt(ctx, tx, kvLastStoredBlock, int64(sorted[len(sorted)-1].Number)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertBlock(ctx context.Context, tx *sql.Tx, b *harvester.StoredBlock, hasDebug bool) error {
	encodedBlock, err := codec.EncodeBlock(b.Raw, len(b.TxHashes))
	if err != nil {
		return fmt.Errorf("store: encode block %d: %w", b.Number, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO blocks(number, hash, encoded_block, codec_tag) VALUES (?, ?, ?, ?)`,
		int64(b.Number), b.Raw.Hash.Bytes(), s.compress(encodedBlock), codecTag)
	if err != nil {
		return fmt.Errorf("store: insert block %d: %w", b.Number, err)
	}

	for i, txHash := range b.TxHashes {
		var rawTx chaintypes.RawTransaction
		if err := json.Unmarshal(b.Raw.Transactions[i], &rawTx); err != nil {
			return fmt.Errorf("store: block %d tx %d is not a full transaction object: %w", b.Number, i, err)
		}
		receipt, ok := b.Receipts[txHash]
		if !ok {
			return fmt.Errorf("store: block %d tx %s has no receipt", b.Number, txHash)
		}
		encodedTx, err := codec.EncodeTransaction(&rawTx, receipt, uint64(b.Raw.Timestamp))
		if err != nil {
			return fmt.Errorf("store: encode tx %s: %w", txHash, err)
		}
		txNum := (int64(b.Number) << 16) | int64(i)

		var encodedTrace interface{}
		if hasDebug {
			call := b.Traces[txHash]
			if call == nil && b.Number != 0 {
				return fmt.Errorf("store: block %d tx %s missing trace", b.Number, txHash)
			}
			if call != nil {
				raw, err := codec.EncodeTrace(txHash, call)
				if err != nil {
					return fmt.Errorf("store: encode trace %s: %w", txHash, err)
				}
				encodedTrace = s.compress(raw)
			}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO txs(tx_num, hash, block_number, encoded_tx, encoded_trace, codec_tag) VALUES (?, ?, ?, ?, ?, ?)`,
			txNum, txHash.Bytes(), int64(b.Number), s.compress(encodedTx), encodedTrace, codecTag)
		if err != nil {
			return fmt.Errorf("store: insert tx %s: %w", txHash, err)
		}
	}
	return nil
}

// GetBlocks returns the sequential range of encoded blocks [from, to]
// inclusive, together with their transactions and traces.
func (s *Store) GetBlocks(ctx context.Context, from, to uint64) ([]DecodedBlock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number, encoded_block, codec_tag FROM blocks WHERE number BETWEEN ? AND ? ORDER BY number ASC`, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("store: query blocks: %w", err)
	}
	defer rows.Close()

	var out []DecodedBlock
	for rows.Next() {
		var number int64
		var compressed []byte
		var tag int
		if err := rows.Scan(&number, &compressed, &tag); err != nil {
			return nil, err
		}
		if tag != codecTag {
			return nil, fmt.Errorf("%w: block %d tag=%d", ErrUnknownCodecTag, number, tag)
		}
		raw, err := s.decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("store: decompress block %d: %w", number, err)
		}
		blk, err := codec.DecodeBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("store: decode block %d: %w", number, err)
		}
		out = append(out, DecodedBlock{Number: uint64(number), Block: blk})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the block rows first: a writer handle has a single connection.
	rows.Close()
	for i := range out {
		txns, err := s.txsForBlock(ctx, out[i].Number)
		if err != nil {
			return nil, err
		}
		out[i].Transactions = txns
	}
	return out, nil
}

func (s *Store) txsForBlock(ctx context.Context, number uint64) ([]DecodedTx, error) {
	lo := int64(number) << 16
	hi := lo | 0xFFFF
	return s.scanTxs(ctx, `SELECT tx_num, encoded_tx, encoded_trace, codec_tag FROM txs WHERE tx_num BETWEEN ? AND ? ORDER BY tx_num ASC`, lo, hi)
}

func (s *Store) scanTxs(ctx context.Context, query string, args ...interface{}) ([]DecodedTx, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query txs: %w", err)
	}
	defer rows.Close()

	var out []DecodedTx
	for rows.Next() {
		var txNum int64
		var encTx []byte
		var encTrace []byte
		var tag int
		if err := rows.Scan(&txNum, &encTx, &encTrace, &tag); err != nil {
			return nil, err
		}
		if tag != codecTag {
			return nil, fmt.Errorf("%w: tx_num %d tag=%d", ErrUnknownCodecTag, txNum, tag)
		}
		rawTx, err := s.decompress(encTx)
		if err != nil {
			return nil, fmt.Errorf("store: decompress tx %d: %w", txNum, err)
		}
		decodedTx, err := codec.DecodeTransaction(rawTx)
		if err != nil {
			return nil, fmt.Errorf("store: decode tx %d: %w", txNum, err)
		}
		d := DecodedTx{Tx: decodedTx}
		if encTrace != nil {
			rawTrace, err := s.decompress(encTrace)
			if err != nil {
				return nil, fmt.Errorf("store: decompress trace %d: %w", txNum, err)
			}
			trace, err := codec.DecodeTrace(rawTrace)
			if err != nil {
				return nil, fmt.Errorf("store: decode trace %d: %w", txNum, err)
			}
			d.Trace = trace
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetTxBatch returns up to limit transaction records in tx_num order,
// strictly greater than gtTxNum. This is the indexer's primary
// streaming read interface.
func (s *Store) GetTxBatch(ctx context.Context, gtTxNum int64, limit int) ([]DecodedTx, error) {
	return s.scanTxs(ctx, `SELECT tx_num, encoded_tx, encoded_trace, codec_tag FROM txs WHERE tx_num > ? ORDER BY tx_num ASC LIMIT ?`, gtTxNum, limit)
}

// GetTxCount returns the highest stored tx_num plus one. tx_num embeds
// the block number, so this is not the number of stored transactions.
func (s *Store) GetTxCount(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(tx_num) FROM txs`).Scan(&max); err != nil {
		return 0, fmt.Errorf("store: query tx count: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

// GetBlockByNumber reconstructs one block and its transactions.
func (s *Store) GetBlockByNumber(ctx context.Context, number uint64) (*DecodedBlock, error) {
	blocks, err := s.GetBlocks(ctx, number, number)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, sql.ErrNoRows
	}
	return &blocks[0], nil
}

// GetBlockByHash looks up a block by its 32-byte hash, then delegates
// to GetBlockByNumber for the full reconstruction.
func (s *Store) GetBlockByHash(ctx context.Context, hash common.Hash) (*DecodedBlock, error) {
	var number int64
	err := s.db.QueryRowContext(ctx, `SELECT number FROM blocks WHERE hash = ?`, hash.Bytes()).Scan(&number)
	if err != nil {
		return nil, fmt.Errorf("store: lookup block by hash: %w", err)
	}
	return s.GetBlockByNumber(ctx, uint64(number))
}

// GetTxReceipt returns the transaction record (which carries both the
// transaction and its receipt fields, per the codec's combined
// record) for the given hash.
func (s *Store) GetTxReceipt(ctx context.Context, hash common.Hash) (*codec.Transaction, error) {
	var encTx []byte
	var tag int
	err := s.db.QueryRowContext(ctx, `SELECT encoded_tx, codec_tag FROM txs WHERE hash = ?`, hash.Bytes()).Scan(&encTx, &tag)
	if err != nil {
		return nil, fmt.Errorf("store: lookup tx by hash: %w", err)
	}
	if tag != codecTag {
		return nil, fmt.Errorf("%w: tx %s", ErrUnknownCodecTag, hash)
	}
	raw, err := s.decompress(encTx)
	if err != nil {
		return nil, fmt.Errorf("store: decompress tx %s: %w", hash, err)
	}
	return codec.DecodeTransaction(raw)
}

// GetBlockTraces returns every trace recorded for the given block
// number, in tx_num order. Rows with no trace (block 0, or tracing
// disabled) are skipped.
func (s *Store) GetBlockTraces(ctx context.Context, number uint64) ([]*codec.Trace, error) {
	lo := int64(number) << 16
	hi := lo | 0xFFFF
	rows, err := s.db.QueryContext(ctx, `SELECT tx_num, encoded_trace, codec_tag FROM txs WHERE tx_num BETWEEN ? AND ? ORDER BY tx_num ASC`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("store: query traces: %w", err)
	}
	defer rows.Close()

	var out []*codec.Trace
	for rows.Next() {
		var txNum int64
		var encTrace []byte
		var tag int
		if err := rows.Scan(&txNum, &encTrace, &tag); err != nil {
			return nil, err
		}
		if encTrace == nil {
			continue
		}
		if tag != codecTag {
			return nil, fmt.Errorf("%w: tx_num %d tag=%d", ErrUnknownCodecTag, txNum, tag)
		}
		raw, err := s.decompress(encTrace)
		if err != nil {
			return nil, fmt.Errorf("store: decompress trace %d: %w", txNum, err)
		}
		trace, err := codec.DecodeTrace(raw)
		if err != nil {
			return nil, fmt.Errorf("store: decode trace %d: %w", txNum, err)
		}
		out = append(out, trace)
	}
	return out, rows.Err()
}
