// Package fetchloop implements the Fetch Loop: the single
// long-running per-chain process that probes the remote head, pulls
// contiguous ranges of blocks through the harvester, and commits them
// to the block store, catching up and then tracking the chain tip.
package fetchloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evmindexer/core/internal/harvester"
	"github.com/evmindexer/core/internal/jsonrpc"
	"github.com/evmindexer/core/internal/store"
)

const (
	probeBackoff    = 10 * time.Second
	failureBackoff  = 10 * time.Second
	caughtUpBackoff = 3 * time.Second
)

var (
	blocksFetchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmindexer",
		Subsystem: "fetcher",
		Name:      "blocks_fetched_total",
		Help:      "Blocks successfully fetched and stored, per chain.",
	}, []string{"chain"})
	catchUpETASeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evmindexer",
		Subsystem: "fetcher",
		Name:      "catch_up_eta_seconds",
		Help:      "Estimated seconds remaining to reach the last known remote head.",
	}, []string{"chain"})
)

func init() {
	prometheus.MustRegister(blocksFetchedTotal, catchUpETASeconds)
}

// Caller is the subset of dispatcher.Dispatcher needed for the two
// startup probes (eth_blockNumber, eth_chainId); the harvester takes
// the rest of the RPC traffic.
type Caller interface {
	Submit(ctx context.Context, batch []jsonrpc.Request) ([]jsonrpc.Response, error)
}

// Harvester is the subset of harvester.Harvester the loop depends on.
type Harvester interface {
	Fetch(ctx context.Context, numbers []uint64) ([]harvester.StoredBlock, error)
}

// Loop drives one chain's fetch-and-store cycle.
type Loop struct {
	ChainName      string
	caller         Caller
	harvester      Harvester
	store          *store.Store
	blocksPerBatch int
	log            log.Logger
}

// New constructs a Loop. blocksPerBatch bounds how many block numbers
// are assembled into one Harvester.Fetch call per iteration.
func New(chainName string, caller Caller, h Harvester, st *store.Store, blocksPerBatch int) *Loop {
	if blocksPerBatch < 1 {
		blocksPerBatch = 1
	}
	return &Loop{
		ChainName:      chainName,
		caller:         caller,
		harvester:      h,
		store:          st,
		blocksPerBatch: blocksPerBatch,
		log:            log.New("component", "fetchloop", "chain", chainName),
	}
}

// Run blocks until ctx is canceled. It performs the startup head/
// chain-id probe with indefinite retry, then alternates between
// catch-up ranges and idle re-probing for the remote's lifetime.
func (l *Loop) Run(ctx context.Context) error {
	head, err := l.startupProbe(ctx)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastStored, err := l.store.GetLastStoredBlock(ctx)
		if err != nil {
			return fmt.Errorf("fetchloop: read last stored block: %w", err)
		}

		if lastStored < int64(head) {
			advanced, err := l.fetchOneRange(ctx, uint64(lastStored+1), head)
			if err != nil {
				l.log.Warn("fetch range failed, backing off", "err", err)
				if !sleepCtx(ctx, failureBackoff) {
					return ctx.Err()
				}
				continue
			}
			_ = advanced
			continue
		}

		newHead, err := l.probeHead(ctx)
		if err != nil {
			l.log.Warn("head re-probe failed", "err", err)
			if !sleepCtx(ctx, failureBackoff) {
				return ctx.Err()
			}
			continue
		}
		if err := l.store.SetLastKnownHead(ctx, newHead); err != nil {
			return fmt.Errorf("fetchloop: persist last known head: %w", err)
		}
		if newHead == head {
			if !sleepCtx(ctx, caughtUpBackoff) {
				return ctx.Err()
			}
			continue
		}
		head = newHead
	}
}

func (l *Loop) fetchOneRange(ctx context.Context, from, head uint64) (int, error) {
	to := from + uint64(l.blocksPerBatch) - 1
	if to > head {
		to = head
	}
	numbers := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		numbers = append(numbers, n)
	}

	start := time.Now()
	blocks, err := l.harvester.Fetch(ctx, numbers)
	if err != nil {
		return 0, err
	}
	if err := l.store.StoreBlocks(ctx, blocks); err != nil {
		return 0, fmt.Errorf("store blocks %d-%d: %w", from, to, err)
	}

	elapsed := time.Since(start).Seconds()
	blocksFetchedTotal.WithLabelValues(l.ChainName).Add(float64(len(blocks)))
	if elapsed > 0 && len(blocks) > 0 {
		rate := float64(len(blocks)) / elapsed
		remaining := float64(head) - float64(to)
		eta := remaining / rate
		catchUpETASeconds.WithLabelValues(l.ChainName).Set(eta)
		l.log.Info("fetched range", "from", from, "to", to, "blocks_per_sec", rate, "eta_seconds", eta)
	}
	return len(blocks), nil
}

// startupProbe reads the remote head and chain id, retrying
// indefinitely on a fixed backoff until both succeed, per the fetch
// loop's documented startup contract.
func (l *Loop) startupProbe(ctx context.Context) (uint64, error) {
	var head uint64
	for {
		h, err := l.probeHead(ctx)
		if err == nil {
			head = h
			if err := l.store.SetLastKnownHead(ctx, head); err != nil {
				return 0, fmt.Errorf("fetchloop: persist last known head: %w", err)
			}
			break
		}
		l.log.Warn("startup head probe failed, retrying", "err", err)
		if !sleepCtx(ctx, probeBackoff) {
			return 0, ctx.Err()
		}
	}

	if _, known, err := l.store.GetChainID(ctx); err != nil {
		return 0, fmt.Errorf("fetchloop: read chain id: %w", err)
	} else if !known {
		for {
			id, err := l.probeChainID(ctx)
			if err == nil {
				if err := l.store.SetChainID(ctx, id); err != nil {
					return 0, fmt.Errorf("fetchloop: persist chain id: %w", err)
				}
				break
			}
			l.log.Warn("startup chain id probe failed, retrying", "err", err)
			if !sleepCtx(ctx, probeBackoff) {
				return 0, ctx.Err()
			}
		}
	}
	return head, nil
}

func (l *Loop) probeHead(ctx context.Context) (uint64, error) {
	resp, err := l.caller.Submit(ctx, []jsonrpc.Request{{Method: "eth_blockNumber"}})
	if err != nil {
		return 0, err
	}
	return decodeHexUint(resp)
}

func (l *Loop) probeChainID(ctx context.Context) (int64, error) {
	resp, err := l.caller.Submit(ctx, []jsonrpc.Request{{Method: "eth_chainId"}})
	if err != nil {
		return 0, err
	}
	v, err := decodeHexUint(resp)
	return int64(v), err
}

func decodeHexUint(resp []jsonrpc.Response) (uint64, error) {
	if len(resp) == 0 {
		return 0, fmt.Errorf("fetchloop: empty response")
	}
	if resp[0].Err != nil {
		return 0, resp[0].Err
	}
	var hex hexutil.Uint64
	if err := json.Unmarshal(resp[0].Result, &hex); err != nil {
		return 0, fmt.Errorf("fetchloop: decode hex uint: %w", err)
	}
	return uint64(hex), nil
}

// sleepCtx sleeps for d or returns early (false) if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
