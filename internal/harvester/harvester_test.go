package harvester

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/evmindexer/core/internal/jsonrpc"
)

// fakeCaller serves canned responses keyed by method, simulating the
// dispatcher without any real network or rate limiting.
type fakeCaller struct {
	blocksByNumber map[uint64]string // raw JSON per block number
	receiptsByHash map[common.Hash]string
	tracesByBlock  map[uint64]string
	batchSize      int
}

func (f *fakeCaller) BatchSize(fallback int) int {
	if f.batchSize > 0 {
		return f.batchSize
	}
	return fallback
}

func (f *fakeCaller) Submit(ctx context.Context, batch []jsonrpc.Request) ([]jsonrpc.Response, error) {
	out := make([]jsonrpc.Response, len(batch))
	for i, req := range batch {
		switch req.Method {
		case "eth_getBlockByNumber":
			n := req.Tag.(uint64)
			raw, ok := f.blocksByNumber[n]
			if !ok {
				out[i] = jsonrpc.Response{Tag: req.Tag, Result: json.RawMessage("null")}
				continue
			}
			out[i] = jsonrpc.Response{Tag: req.Tag, Result: json.RawMessage(raw)}
		case "eth_getTransactionReceipt":
			h := req.Tag.(common.Hash)
			raw, ok := f.receiptsByHash[h]
			if !ok {
				out[i] = jsonrpc.Response{Tag: req.Tag, Err: &jsonrpc.RPCError{Code: -1, Message: "not found"}}
				continue
			}
			out[i] = jsonrpc.Response{Tag: req.Tag, Result: json.RawMessage(raw)}
		case "debug_traceBlockByNumber":
			n := req.Tag.(uint64)
			raw, ok := f.tracesByBlock[n]
			if !ok {
				raw = "[]"
			}
			out[i] = jsonrpc.Response{Tag: req.Tag, Result: json.RawMessage(raw)}
		default:
			return nil, fmt.Errorf("unexpected method %s", req.Method)
		}
	}
	return out, nil
}

func blockJSON(number uint64, txHash common.Hash) string {
	return fmt.Sprintf(`{
		"number":"0x%x","hash":"0x0000000000000000000000000000000000000000000000000000000000000001","parentHash":"0x0000000000000000000000000000000000000000000000000000000000000002","sha3Uncles":"0x0000000000000000000000000000000000000000000000000000000000000003",
		"miner":"0x0000000000000000000000000000000000000004","stateRoot":"0x0000000000000000000000000000000000000000000000000000000000000005","transactionsRoot":"0x0000000000000000000000000000000000000000000000000000000000000006","receiptsRoot":"0x0000000000000000000000000000000000000000000000000000000000000007",
		"logsBloom":"0x%0512d","difficulty":"0x0","gasLimit":"0x1c9c380","gasUsed":"0x5208",
		"timestamp":"0x5f5e100","extraData":"0x","mixHash":"0x0000000000000000000000000000000000000000000000000000000000000008","nonce":"0x0000000000000000",
		"transactions":["%s"]
	}`, number, 0, txHash.Hex())
}

func receiptJSON(txHash common.Hash, blockNumber uint64) string {
	return fmt.Sprintf(`{
		"transactionHash":"%s","transactionIndex":"0x0","blockHash":"0x0000000000000000000000000000000000000000000000000000000000000001","blockNumber":"0x%x",
		"from":"0x0000000000000000000000000000000000000004","to":"0x0000000000000000000000000000000000000009","cumulativeGasUsed":"0x5208","gasUsed":"0x5208",
		"logsBloom":"0x%0512d","status":"0x1","type":"0x2","logs":[]
	}`, txHash.Hex(), blockNumber, 0)
}

func TestFetchAssemblesSingleBlock(t *testing.T) {
	txHash := common.HexToHash("0xaaaa")
	caller := &fakeCaller{
		blocksByNumber: map[uint64]string{1: blockJSON(1, txHash)},
		receiptsByHash: map[common.Hash]string{txHash: receiptJSON(txHash, 1)},
	}
	h := New(caller)
	h.TraceEnabled = false

	out, err := h.Fetch(context.Background(), []uint64{1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, uint64(1), out[0].Number)
	require.Len(t, out[0].Receipts, 1)
	require.Contains(t, out[0].Receipts, txHash)
}

func TestFetchZeroBlockGetsEmptyTraces(t *testing.T) {
	caller := &fakeCaller{
		blocksByNumber: map[uint64]string{0: `{
			"number":"0x0","hash":"0x0000000000000000000000000000000000000000000000000000000000000001","parentHash":"0x0000000000000000000000000000000000000000000000000000000000000000","sha3Uncles":"0x0000000000000000000000000000000000000000000000000000000000000003",
			"miner":"0x0000000000000000000000000000000000000004","stateRoot":"0x0000000000000000000000000000000000000000000000000000000000000005","transactionsRoot":"0x0000000000000000000000000000000000000000000000000000000000000006","receiptsRoot":"0x0000000000000000000000000000000000000000000000000000000000000007",
			"logsBloom":"0x00","difficulty":"0x0","gasLimit":"0x1c9c380","gasUsed":"0x0",
			"timestamp":"0x0","extraData":"0x","mixHash":"0x0000000000000000000000000000000000000000000000000000000000000008","nonce":"0x0000000000000000",
			"transactions":[]
		}`},
	}
	h := New(caller)

	out, err := h.Fetch(context.Background(), []uint64{0})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Traces)
	require.Empty(t, out[0].Traces)
}

func TestFetchFailsWholeCallOnMissingReceipt(t *testing.T) {
	txHash := common.HexToHash("0xbbbb")
	caller := &fakeCaller{
		blocksByNumber: map[uint64]string{1: blockJSON(1, txHash)},
		receiptsByHash: map[common.Hash]string{}, // receipt missing
	}
	h := New(caller)
	h.TraceEnabled = false

	_, err := h.Fetch(context.Background(), []uint64{1})
	require.Error(t, err)
}

func TestFetchDropsMissingBlockWithoutFailing(t *testing.T) {
	caller := &fakeCaller{blocksByNumber: map[uint64]string{}}
	h := New(caller)
	h.TraceEnabled = false

	out, err := h.Fetch(context.Background(), []uint64{5})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestFetchEmptyInputIsNoop(t *testing.T) {
	h := New(&fakeCaller{})
	out, err := h.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}
