// Package harvester implements the Block Harvester: given an ordered
// list of block numbers, it assembles self-contained stored blocks
// (block + receipts-by-hash + optional traces) via the three-stage
// RPC protocol, enforcing the receipt/tx consistency rule before
// handing anything back to the caller.
package harvester

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/evmindexer/core/internal/chaintypes"
	"github.com/evmindexer/core/internal/jsonrpc"
)

// Caller is the subset of dispatcher.Dispatcher the harvester depends
// on, narrowed so tests can substitute a fake without standing up a
// real transport and rate limiter.
type Caller interface {
	Submit(ctx context.Context, batch []jsonrpc.Request) ([]jsonrpc.Response, error)
	BatchSize(fallback int) int
}

// StoredBlock is one self-contained assembled block, ready to hand to
// the block store. Receipts is keyed by transaction hash; Traces is
// nil when tracing is disabled, and otherwise keyed by transaction
// hash with one entry per trace result the node returned for the
// block (an empty map for block 0 under ZeroBlockHasNoTraces).
type StoredBlock struct {
	Number   uint64
	Raw      *chaintypes.RawBlock
	TxHashes []common.Hash // canonical order, bare hash or full object alike
	Receipts map[common.Hash]*chaintypes.RawReceipt
	Traces   map[common.Hash]*chaintypes.CallFrame
}

// Harvester assembles stored blocks over an upstream Caller.
type Harvester struct {
	caller Caller
	log    log.Logger

	// TraceEnabled turns on the debug_traceBlockByNumber stage.
	TraceEnabled bool
	// ZeroBlockHasNoTraces treats block 0 as hardcoded to an empty
	// trace list rather than issuing a trace call for it, matching
	// the Avalanche C-Chain convention that genesis has no traces.
	ZeroBlockHasNoTraces bool
	// FallbackBatchSize is used when the caller has no adaptive sizer.
	FallbackBatchSize int
}

// New constructs a Harvester with tracing enabled and the zero-block
// convention applied, matching the documented defaults.
func New(caller Caller) *Harvester {
	return &Harvester{
		caller:               caller,
		log:                  log.New("component", "harvester"),
		TraceEnabled:         true,
		ZeroBlockHasNoTraces: true,
		FallbackBatchSize:    50,
	}
}

// Fetch assembles stored blocks for every requested number, sorted
// ascending. Missing or error-returned blocks are dropped (and
// logged); any transaction whose receipt cannot be fetched fails the
// whole call, as does a receipt/tx-count mismatch on any block.
func (h *Harvester) Fetch(ctx context.Context, numbers []uint64) ([]StoredBlock, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	blocks, err := h.fetchBlocks(ctx, numbers)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	if err := h.fetchReceipts(ctx, blocks); err != nil {
		return nil, err
	}

	if h.TraceEnabled {
		if err := h.fetchTraces(ctx, blocks); err != nil {
			return nil, err
		}
	}

	for _, b := range blocks {
		if len(b.Receipts) != len(b.TxHashes) {
			return nil, fmt.Errorf("harvester: block %d: %d receipts for %d transactions", b.Number, len(b.Receipts), len(b.TxHashes))
		}
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Number < blocks[j].Number })
	out := make([]StoredBlock, len(blocks))
	for i, b := range blocks {
		out[i] = *b
	}
	return out, nil
}

// fetchBlocks issues eth_getBlockByNumber for every requested number,
// chunked to the dispatcher's current batch size and submitted
// concurrently; the dispatcher itself enforces the concurrency cap.
func (h *Harvester) fetchBlocks(ctx context.Context, numbers []uint64) ([]*StoredBlock, error) {
	chunkSize := h.caller.BatchSize(h.FallbackBatchSize)
	var (
		mu     sync.Mutex
		result []*StoredBlock
		wg     sync.WaitGroup
		firstErr error
	)

	for start := 0; start < len(numbers); start += chunkSize {
		end := start + chunkSize
		if end > len(numbers) {
			end = len(numbers)
		}
		chunk := numbers[start:end]

		wg.Add(1)
		go func(chunk []uint64) {
			defer wg.Done()
			reqs := make([]jsonrpc.Request, len(chunk))
			for i, n := range chunk {
				reqs[i] = jsonrpc.Request{
					Method: "eth_getBlockByNumber",
					Params: []interface{}{hexutil.EncodeUint64(n), true},
					Tag:    n,
				}
			}
			resp, err := h.caller.Submit(ctx, reqs)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("harvester: fetch blocks %v: %w", chunk, err)
				}
				mu.Unlock()
				return
			}
			for _, r := range resp {
				n := r.Tag.(uint64)
				if r.Err != nil {
					h.log.Warn("block fetch returned error, dropping", "number", n, "err", r.Err)
					continue
				}
				if len(r.Result) == 0 || string(r.Result) == "null" {
					h.log.Warn("block not found, dropping", "number", n)
					continue
				}
				var raw chaintypes.RawBlock
				if err := json.Unmarshal(r.Result, &raw); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("harvester: decode block %d: %w", n, err)
					}
					mu.Unlock()
					continue
				}
				hashes := make([]common.Hash, len(raw.Transactions))
				for i, tx := range raw.Transactions {
					hash, err := chaintypes.TxHash(tx)
					if err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = fmt.Errorf("harvester: block %d tx %d: %w", n, i, err)
						}
						mu.Unlock()
						continue
					}
					hashes[i] = hash
				}
				mu.Lock()
				result = append(result, &StoredBlock{
					Number:   n,
					Raw:      &raw,
					TxHashes: hashes,
					Receipts: make(map[common.Hash]*chaintypes.RawReceipt, len(hashes)),
				})
				mu.Unlock()
			}
		}(chunk)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// fetchReceipts collects every transaction hash across all blocks and
// issues eth_getTransactionReceipt for each, chunked the same way as
// fetchBlocks.
func (h *Harvester) fetchReceipts(ctx context.Context, blocks []*StoredBlock) error {
	byHash := make(map[common.Hash]*StoredBlock)
	var hashes []common.Hash
	for _, b := range blocks {
		for _, hsh := range b.TxHashes {
			byHash[hsh] = b
			hashes = append(hashes, hsh)
		}
	}
	if len(hashes) == 0 {
		return nil
	}

	chunkSize := h.caller.BatchSize(h.FallbackBatchSize)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for start := 0; start < len(hashes); start += chunkSize {
		end := start + chunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		wg.Add(1)
		go func(chunk []common.Hash) {
			defer wg.Done()
			reqs := make([]jsonrpc.Request, len(chunk))
			for i, hsh := range chunk {
				reqs[i] = jsonrpc.Request{Method: "eth_getTransactionReceipt", Params: []interface{}{hsh}, Tag: hsh}
			}
			resp, err := h.caller.Submit(ctx, reqs)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("harvester: fetch receipts: %w", err)
				}
				mu.Unlock()
				return
			}
			for _, r := range resp {
				hsh := r.Tag.(common.Hash)
				if r.Err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("harvester: receipt %s: %w", hsh, r.Err)
					}
					mu.Unlock()
					continue
				}
				var rc chaintypes.RawReceipt
				if err := json.Unmarshal(r.Result, &rc); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("harvester: decode receipt %s: %w", hsh, err)
					}
					mu.Unlock()
					continue
				}
				mu.Lock()
				if b, ok := byHash[hsh]; ok {
					b.Receipts[hsh] = &rc
				}
				mu.Unlock()
			}
		}(chunk)
	}
	wg.Wait()
	return firstErr
}

// fetchTraces issues debug_traceBlockByNumber for every block whose
// number is not covered by the zero-block convention.
func (h *Harvester) fetchTraces(ctx context.Context, blocks []*StoredBlock) error {
	traceOpts := map[string]interface{}{"tracer": "callTracer", "timeout": "20s"}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for _, b := range blocks {
		if h.ZeroBlockHasNoTraces && b.Number == 0 {
			b.Traces = map[common.Hash]*chaintypes.CallFrame{}
			continue
		}

		wg.Add(1)
		go func(b *StoredBlock) {
			defer wg.Done()
			req := jsonrpc.Request{
				Method: "debug_traceBlockByNumber",
				Params: []interface{}{hexutil.EncodeUint64(b.Number), traceOpts},
				Tag:    b.Number,
			}
			resp, err := h.caller.Submit(ctx, []jsonrpc.Request{req})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("harvester: trace block %d: %w", b.Number, err)
				}
				mu.Unlock()
				return
			}
			if len(resp) == 0 || resp[0].Err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("harvester: trace block %d: rpc error", b.Number)
				}
				mu.Unlock()
				return
			}
			var results []chaintypes.TxTraceResult
			if err := json.Unmarshal(resp[0].Result, &results); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("harvester: decode trace block %d: %w", b.Number, err)
				}
				mu.Unlock()
				return
			}
			traces := make(map[common.Hash]*chaintypes.CallFrame, len(results))
			for i := range results {
				traces[results[i].TxHash] = results[i].Result
			}
			mu.Lock()
			b.Traces = traces
			mu.Unlock()
		}(b)
	}
	wg.Wait()
	return firstErr
}
