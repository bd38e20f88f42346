package runtime

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/evmindexer/core/internal/chaintypes"
	"github.com/evmindexer/core/internal/harvester"
	"github.com/evmindexer/core/internal/plugin"
	"github.com/evmindexer/core/internal/store"
)

func bigVal(n int64) *hexutil.Big {
	b := hexutil.Big(*big.NewInt(n))
	return &b
}

func rawTxJSON(t *testing.T, hash common.Hash, nonce uint64) json.RawMessage {
	t.Helper()
	tx := chaintypes.RawTransaction{
		Hash:     hash,
		Value:    bigVal(0),
		Gas:      hexutil.Uint64(21000),
		GasPrice: bigVal(1),
		Nonce:    hexutil.Uint64(nonce),
		Input:    []byte{},
	}
	b, err := json.Marshal(tx)
	require.NoError(t, err)
	return b
}

func blockWithTxs(t *testing.T, number uint64, hashes []common.Hash) harvester.StoredBlock {
	t.Helper()
	raws := make([]json.RawMessage, len(hashes))
	receipts := make(map[common.Hash]*chaintypes.RawReceipt, len(hashes))
	for i, h := range hashes {
		raws[i] = rawTxJSON(t, h, uint64(i))
		status := hexutil.Uint64(1)
		receipts[h] = &chaintypes.RawReceipt{
			TransactionIndex:  hexutil.Uint64(i),
			BlockNumber:       bigVal(int64(number)),
			CumulativeGasUsed: hexutil.Uint64(21000),
			GasUsed:           hexutil.Uint64(21000),
			LogsBloom:         make([]byte, 256),
			Status:            &status,
		}
	}
	raw := &chaintypes.RawBlock{
		Number:           bigVal(int64(number)),
		Hash:             common.BigToHash(big.NewInt(int64(number) + 100)),
		ParentHash:       common.BigToHash(big.NewInt(int64(number) + 99)),
		LogsBloom:        make([]byte, 256),
		Difficulty:       bigVal(0),
		GasLimit:         hexutil.Uint64(30_000_000),
		GasUsed:          hexutil.Uint64(21_000 * uint64(len(hashes))),
		Timestamp:        hexutil.Uint64(1_700_000_000 + number),
		ExtraData:        []byte{},
		Nonce:            make([]byte, 8),
		Transactions:     raws,
	}
	return harvester.StoredBlock{
		Number:   number,
		Raw:      raw,
		TxHashes: hashes,
		Receipts: receipts,
	}
}

func openBlockStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWriter(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SetHasDebug(context.Background(), false))
	return s
}

func openProjectionStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenProjectionWriter(filepath.Join(t.TempDir(), "projection.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// countingPlugin is a minimal plugin that counts the transactions it
// has seen, persisting the running total in its own table so Save can
// be verified to run inside the runtime's atomic commit.
type countingPlugin struct {
	initialized int32
}

func (p *countingPlugin) Name() string     { return "counting" }
func (p *countingPlugin) Version() int     { return 1 }
func (p *countingPlugin) UsesTraces() bool { return false }

func (p *countingPlugin) Initialize(ctx context.Context, projection *store.Store) error {
	atomic.AddInt32(&p.initialized, 1)
	_, err := projection.Exec(ctx, `CREATE TABLE IF NOT EXISTS tx_count (id INTEGER PRIMARY KEY CHECK (id = 0), total INTEGER NOT NULL)`)
	return err
}

func (p *countingPlugin) Extract(batch plugin.TxBatch) (interface{}, error) {
	return len(batch.Txs), nil
}

func (p *countingPlugin) Save(ctx context.Context, projection *store.Tx, blocks *store.Store, delta interface{}) error {
	n := delta.(int)
	_, err := projection.Exec(ctx, `INSERT INTO tx_count(id, total) VALUES (0, ?)
		ON CONFLICT(id) DO UPDATE SET total = total + excluded.total`, n)
	return err
}

func readTotal(t *testing.T, s *store.Store) int64 {
	t.Helper()
	row := s.QueryRow(context.Background(), `SELECT total FROM tx_count WHERE id = 0`)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0
	}
	return total
}

func TestRunProcessesAllTransactionsAndAdvancesCheckpoint(t *testing.T) {
	blocks := openBlockStore(t)
	ctx := context.Background()

	for n := uint64(0); n < 3; n++ {
		hashes := []common.Hash{common.BigToHash(big.NewInt(int64(n)*10 + 1)), common.BigToHash(big.NewInt(int64(n)*10 + 2))}
		require.NoError(t, blocks.StoreBlocks(ctx, []harvester.StoredBlock{blockWithTxs(t, n, hashes)}))
	}

	projection := openProjectionStore(t)
	p := &countingPlugin{}
	rt := New(p, blocks, projection, 2)
	rt.txsPerLoop = 2 // small span so the run exercises multiple prefetch jobs

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = rt.Run(runCtx)

	checkpoint, ok, err := projection.GetKV(ctx, CheckpointKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64((2<<16)|1), checkpoint) // tx_num of the last transaction in block 2
	require.Equal(t, int64(6), readTotal(t, projection))
	require.Equal(t, int32(1), atomic.LoadInt32(&p.initialized))
}

func TestEnsureInitializedRunsExactlyOnce(t *testing.T) {
	blocks := openBlockStore(t)
	projection := openProjectionStore(t)
	p := &countingPlugin{}
	rt := New(p, blocks, projection, 1)

	require.NoError(t, rt.ensureInitialized(context.Background()))
	require.NoError(t, rt.ensureInitialized(context.Background()))
	require.Equal(t, int32(1), atomic.LoadInt32(&p.initialized))
}

func TestAdjustDepthClampsToBounds(t *testing.T) {
	rt := &Runtime{depth: maxLookaheadDepth}
	rt.adjustDepth(false)
	require.Equal(t, int32(maxLookaheadDepth), atomic.LoadInt32(&rt.depth))

	rt.depth = 0
	rt.adjustDepth(true)
	require.Equal(t, int32(0), atomic.LoadInt32(&rt.depth))
}
