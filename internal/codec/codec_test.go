package codec

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/evmindexer/core/internal/chaintypes"
)

func bigVal(n int64) *hexutil.Big {
	b := hexutil.Big(*big.NewInt(n))
	return &b
}

func u64Val(n uint64) *hexutil.Uint64 {
	u := hexutil.Uint64(n)
	return &u
}

// preCancunBlock mirrors spec.md §8 scenario 2: block number 0x3, one
// transaction, no blobGasUsed field at all.
func preCancunBlock() *chaintypes.RawBlock {
	return &chaintypes.RawBlock{
		Number:           bigVal(3),
		Hash:             common.HexToHash("0xaaaa"),
		ParentHash:       common.HexToHash("0xbbbb"),
		Sha3Uncles:       common.HexToHash("0xcccc"),
		Miner:            common.HexToAddress("0x1111"),
		StateRoot:        common.HexToHash("0xdddd"),
		TransactionsRoot: common.HexToHash("0xeeee"),
		ReceiptsRoot:     common.HexToHash("0xffff"),
		LogsBloom:        make([]byte, 256),
		Difficulty:       bigVal(0),
		GasLimit:         hexutil.Uint64(30_000_000),
		GasUsed:          hexutil.Uint64(21_000),
		Timestamp:        hexutil.Uint64(1_600_000_000),
		ExtraData:        []byte{},
		MixHash:          common.HexToHash("0x2222"),
		Nonce:            make([]byte, 8),
		// BaseFeePerGas, WithdrawalsRoot, BlobGasUsed, ExcessBlobGas,
		// ParentBeaconRoot intentionally left nil: absent in the input.
	}
}

func postCancunBlock() *chaintypes.RawBlock {
	b := preCancunBlock()
	b.BaseFeePerGas = bigVal(1_000_000_000)
	blobGasUsed := u64Val(0)
	b.BlobGasUsed = blobGasUsed
	excess := u64Val(0)
	b.ExcessBlobGas = excess
	root := common.HexToHash("0x3333")
	b.ParentBeaconRoot = &root
	return b
}

func TestBlockRoundTripPreCancun(t *testing.T) {
	in := preCancunBlock()
	data, err := EncodeBlock(in, 1)
	require.NoError(t, err)
	require.Equal(t, FormatTag, data[0])

	out, err := DecodeBlock(data)
	require.NoError(t, err)

	require.Equal(t, in.Number.ToInt().Uint64(), out.Number())
	require.Equal(t, in.Hash, out.Hash())
	require.Equal(t, in.ParentHash, out.ParentHash())
	require.Equal(t, uint64(21_000), out.GasUsed())
	require.Equal(t, 1, out.TxCount())

	_, present := out.BaseFeePerGas()
	require.False(t, present, "baseFeePerGas must remain absent, not zero")
	_, present = out.BlobGasUsed()
	require.False(t, present)
	_, present = out.ParentBeaconRoot()
	require.False(t, present)
}

func TestBlockRoundTripPostCancun(t *testing.T) {
	in := postCancunBlock()
	data, err := EncodeBlock(in, 1)
	require.NoError(t, err)

	out, err := DecodeBlock(data)
	require.NoError(t, err)

	fee, present := out.BaseFeePerGas()
	require.True(t, present)
	require.Equal(t, int64(1_000_000_000), fee.Int64())

	blobGas, present := out.BlobGasUsed()
	require.True(t, present, "blobGasUsed=0x0 must round-trip as present, not absent")
	require.Equal(t, uint64(0), blobGas)

	root, present := out.ParentBeaconRoot()
	require.True(t, present)
	require.Equal(t, *in.ParentBeaconRoot, root)
}

func TestTransactionRoundTripWithLog(t *testing.T) {
	tx := &chaintypes.RawTransaction{
		Hash:     common.HexToHash("0xdead"),
		Value:    bigVal(42),
		Gas:      hexutil.Uint64(21000),
		GasPrice: bigVal(7),
		Nonce:    hexutil.Uint64(5),
		Input:    []byte{},
	}
	to := common.HexToAddress("0xbeef")
	status := u64Val(1)
	rc := &chaintypes.RawReceipt{
		TransactionIndex:  hexutil.Uint64(0),
		BlockNumber:       bigVal(3),
		From:              common.HexToAddress("0xf00d"),
		To:                &to,
		CumulativeGasUsed: hexutil.Uint64(21000),
		GasUsed:           hexutil.Uint64(21000),
		LogsBloom:         make([]byte, 256),
		Status:            status,
		Logs: []chaintypes.RawLog{
			{
				Address: common.HexToAddress("0xc0ffee"),
				Topics:  []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")},
				Data:    []byte{0xde, 0xad, 0xbe, 0xef},
				Removed: false,
			},
		},
	}

	data, err := EncodeTransaction(tx, rc, 1_600_000_000)
	require.NoError(t, err)

	out, err := DecodeTransaction(data)
	require.NoError(t, err)

	require.Equal(t, tx.Hash, out.Hash())
	require.Equal(t, uint64(3), out.BlockNumber())
	require.Equal(t, uint64(0), out.TxIndex())
	require.Equal(t, uint64(3<<16), out.TxNum())

	toOut, present := out.To()
	require.True(t, present)
	require.Equal(t, to, toOut)

	st, present := out.Status()
	require.True(t, present)
	require.Equal(t, uint64(1), st)

	logs, err := out.Logs()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, common.HexToAddress("0xc0ffee"), logs[0].Address)
	require.Len(t, logs[0].Topics, 2)
	require.False(t, logs[0].Removed)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, logs[0].Data)
}

func TestTransactionWithNoLogs(t *testing.T) {
	tx := &chaintypes.RawTransaction{
		Hash:     common.HexToHash("0x01"),
		Value:    bigVal(0),
		Gas:      hexutil.Uint64(21000),
		GasPrice: bigVal(1),
		Nonce:    hexutil.Uint64(0),
		Input:    []byte{},
	}
	rc := &chaintypes.RawReceipt{
		BlockNumber: bigVal(0),
		From:        common.HexToAddress("0x01"),
		LogsBloom:   make([]byte, 256),
		Status:      u64Val(1),
	}
	data, err := EncodeTransaction(tx, rc, 0)
	require.NoError(t, err)
	out, err := DecodeTransaction(data)
	require.NoError(t, err)
	logs, err := out.Logs()
	require.NoError(t, err)
	require.Empty(t, logs)

	_, present := out.To()
	require.False(t, present, "contract-creation tx must have absent To")
}

func TestTraceRoundTripWithNestedCalls(t *testing.T) {
	inner := chaintypes.CallFrame{
		Type:    "CALL",
		From:    common.HexToAddress("0x01"),
		Gas:     hexutil.Uint64(1000),
		GasUsed: hexutil.Uint64(500),
		Input:   []byte{0x01},
	}
	root := &chaintypes.CallFrame{
		Type:    "CALL",
		From:    common.HexToAddress("0x02"),
		Gas:     hexutil.Uint64(5000),
		GasUsed: hexutil.Uint64(2000),
		Input:   []byte{0x02},
		Calls:   []chaintypes.CallFrame{inner},
	}

	data, err := EncodeTrace(common.HexToHash("0xabc"), root)
	require.NoError(t, err)

	out, err := DecodeTrace(data)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc"), out.TxHash())

	call, err := out.RootCall()
	require.NoError(t, err)
	require.Equal(t, CallTypeCall, call.Type)
	require.Len(t, call.Calls, 1)
	require.Equal(t, inner.From, call.Calls[0].From)
	require.Nil(t, call.Calls[0].Calls, "leaf call must have absent (nil) calls, not empty")
}

func TestTraceRootWithNoNestedCalls(t *testing.T) {
	root := &chaintypes.CallFrame{
		Type:    "CALL",
		From:    common.HexToAddress("0x01"),
		Gas:     hexutil.Uint64(21000),
		GasUsed: hexutil.Uint64(21000),
		Input:   []byte{},
		Calls:   []chaintypes.CallFrame{}, // present but empty: no nested calls
	}
	data, err := EncodeTrace(common.HexToHash("0x01"), root)
	require.NoError(t, err)
	out, err := DecodeTrace(data)
	require.NoError(t, err)
	call, err := out.RootCall()
	require.NoError(t, err)
	require.NotNil(t, call.Calls)
	require.Empty(t, call.Calls)
}

func TestUnknownFormatTagRejected(t *testing.T) {
	_, err := DecodeBlock([]byte{0x02, 0xc0})
	require.ErrorIs(t, err, ErrUnknownFormat)
}
