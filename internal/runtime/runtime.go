// Package runtime implements the Indexer Runtime: one process per
// (chain, plugin), driving a lookahead-prefetching worker pool over
// the block store's transaction stream, committing each plugin's
// projection delta and checkpoint atomically, and throttling its own
// lookahead depth against host CPU/memory pressure.
package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/evmindexer/core/internal/plugin"
	"github.com/evmindexer/core/internal/store"
)

var (
	lookaheadDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evmindexer",
		Subsystem: "indexer",
		Name:      "lookahead_depth",
		Help:      "Current prefetch lookahead depth, throttled against host resource pressure.",
	}, []string{"plugin"})
	checkpointTxNum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evmindexer",
		Subsystem: "indexer",
		Name:      "checkpoint_tx_num",
		Help:      "tx_num of the last transaction this plugin has committed.",
	}, []string{"plugin"})
)

func init() {
	prometheus.MustRegister(lookaheadDepthGauge, checkpointTxNum)
}

const (
	// TxsPerLoop is the default span of one prefetch job.
	TxsPerLoop = 50_000

	maxLookaheadDepth = 10
	monitorInterval   = 750 * time.Millisecond
	caughtUpBackoff   = 3 * time.Second

	// CheckpointKey is the kv_int key a plugin's projection store
	// records its last committed tx_num under. Exported so other
	// tools (e.g. the status reporter) can read it without duplicating
	// the constant.
	CheckpointKey = "last_indexed_tx"

	kvInitializedFmt = "initialized_v%d"
)

// job is one lookahead prefetch unit: a batch of transactions already
// read off the store, tagged with the ordinal this pipeline assigned
// it so out-of-order completions can be put back in order. toTx is
// the tx_num of the last transaction in the batch, i.e. the
// checkpoint value committing this batch advances to.
type job struct {
	seq    int64
	fromTx int64
	toTx   int64
	txs    []store.DecodedTx
}

func (j job) txBatch() plugin.TxBatch {
	return plugin.TxBatch{FromTxNum: int64(j.txs[0].Tx.TxNum()), ToTxNum: j.toTx, Txs: j.txs}
}

// result is a completed job's output, or the error it failed with.
type result struct {
	job   job
	delta interface{}
	err   error
}

// Runtime drives one plugin against one chain's block store.
type Runtime struct {
	plugin     plugin.Plugin
	blocks     *store.Store
	projection *store.Store
	txsPerLoop int64
	workers    int
	depth      int32 // atomic, clamped to [0, maxLookaheadDepth]
	log        log.Logger
}

// New constructs a Runtime. workers sizes the prefetch worker pool;
// pass 0 to default to GOMAXPROCS.
func New(p plugin.Plugin, blocks, projection *store.Store, workers int) *Runtime {
	if workers <= 0 {
		workers = goruntime.GOMAXPROCS(0)
	}
	return &Runtime{
		plugin:     p,
		blocks:     blocks,
		projection: projection,
		txsPerLoop: TxsPerLoop,
		workers:    workers,
		depth:      maxLookaheadDepth / 2,
		log:        log.New("component", "runtime", "plugin", p.Name()),
	}
}

// Run blocks until ctx is canceled, performing one-time
// initialization, then looping: sequentially read lookahead batches
// off the transaction stream, extract them concurrently across the
// worker pool, and commit results back in read order.
//
// tx_num is not a dense counter (it embeds the block number), so the
// lookahead queue cannot be keyed by arithmetic tx_num spans; instead
// each batch is read synchronously off the store (a cheap operation)
// and tagged with a sequence number that fixes its commit order
// regardless of which worker finishes it first.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.ensureInitialized(ctx); err != nil {
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go rt.runMonitor(monitorCtx)

	jobs := make(chan job)
	// Buffered to the largest possible in-flight count, so a worker
	// never blocks delivering a result while Run is blocked handing
	// out the next job.
	results := make(chan result, maxLookaheadDepth+1)
	for i := 0; i < rt.workers; i++ {
		go rt.worker(ctx, jobs, results)
	}
	defer close(jobs)

	checkpoint, ok, err := rt.projection.GetKV(ctx, CheckpointKey)
	if err != nil {
		return fmt.Errorf("runtime: read checkpoint: %w", err)
	}
	if !ok {
		checkpoint = -1
	}

	cursor := checkpoint
	nextSeq := int64(0)
	commitSeq := int64(0)
	pending := make(map[int64]result)
	inFlight := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		depth := int(atomic.LoadInt32(&rt.depth))
		for inFlight < depth+1 {
			txs, err := rt.blocks.GetTxBatch(ctx, cursor, int(rt.txsPerLoop))
			if err != nil {
				return fmt.Errorf("runtime: read tx batch: %w", err)
			}
			if len(txs) == 0 {
				break
			}
			j := job{seq: nextSeq, fromTx: cursor, toTx: int64(txs[len(txs)-1].Tx.TxNum()), txs: txs}
			if len(txs) < int(rt.txsPerLoop) {
				// Tail batch: never queued ahead of the others, since
				// it may grow as new blocks land. Processed inline so
				// the checkpoint still tracks the real tip.
				if inFlight == 0 {
					rt.runInline(ctx, j, &checkpoint)
					cursor = checkpoint
				}
				break
			}
			select {
			case jobs <- j:
				cursor = j.toTx
				nextSeq++
				inFlight++
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if inFlight == 0 {
			if !sleepCtx(ctx, caughtUpBackoff) {
				return ctx.Err()
			}
			continue
		}

		select {
		case r := <-results:
			inFlight--
			if r.err != nil {
				rt.log.Warn("plugin extract failed, retrying", "from_tx", r.job.fromTx, "err", r.err)
				go rt.retryExtract(ctx, r.job, results)
				inFlight++
				continue
			}
			pending[r.job.seq] = r
			if err := rt.drainPending(ctx, pending, &commitSeq, &checkpoint); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainPending commits every job whose seq is ready, in order,
// retrying a failing commit with backoff until it succeeds rather
// than skipping ahead and breaking the checkpoint invariant.
func (rt *Runtime) drainPending(ctx context.Context, pending map[int64]result, commitSeq, checkpoint *int64) error {
	for {
		p, ok := pending[*commitSeq]
		if !ok {
			return nil
		}
		for {
			if err := rt.commit(ctx, p.job.toTx, p.delta); err == nil {
				break
			} else {
				rt.log.Warn("commit failed, retrying", "from_tx", p.job.fromTx, "err", err)
			}
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
		}
		delete(pending, *commitSeq)
		*checkpoint = p.job.toTx
		*commitSeq++
		checkpointTxNum.WithLabelValues(rt.plugin.Name()).Set(float64(p.job.toTx))
	}
}

// retryExtract re-runs a failed extraction with backoff until it
// succeeds or ctx is canceled, then delivers its result back into the
// normal ordering pipeline under its original sequence number.
func (rt *Runtime) retryExtract(ctx context.Context, j job, results chan<- result) {
	for {
		delta, err := rt.plugin.Extract(j.txBatch())
		if err == nil {
			select {
			case results <- result{job: j, delta: delta}:
			case <-ctx.Done():
			}
			return
		}
		rt.log.Warn("retrying failed extract", "from_tx", j.fromTx, "err", err)
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// runInline processes a short, non-prefetchable batch directly on the
// main control flow rather than through the worker pool.
func (rt *Runtime) runInline(ctx context.Context, j job, checkpoint *int64) {
	delta, err := rt.plugin.Extract(j.txBatch())
	if err != nil {
		rt.log.Warn("inline extract failed, will retry", "from_tx", j.fromTx, "err", err)
		return
	}
	if err := rt.commit(ctx, j.toTx, delta); err != nil {
		rt.log.Warn("inline commit failed, will retry", "from_tx", j.fromTx, "err", err)
		return
	}
	*checkpoint = j.toTx
	checkpointTxNum.WithLabelValues(rt.plugin.Name()).Set(float64(j.toTx))
}

func (rt *Runtime) worker(ctx context.Context, jobs <-chan job, results chan<- result) {
	for j := range jobs {
		delta, err := rt.plugin.Extract(j.txBatch())
		select {
		case results <- result{job: j, delta: delta, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// commit opens one writer transaction on the projection store, calls
// the plugin's Save, and advances the checkpoint, all atomically: if
// Save fails the checkpoint does not move.
func (rt *Runtime) commit(ctx context.Context, toTx int64, delta interface{}) error {
	tx, err := rt.projection.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := rt.plugin.Save(ctx, tx, rt.blocks, delta); err != nil {
		return fmt.Errorf("runtime: plugin save: %w", err)
	}
	if err := tx.SetKV(ctx, CheckpointKey, toTx); err != nil {
		return err
	}
	return tx.Commit()
}

func (rt *Runtime) ensureInitialized(ctx context.Context) error {
	key := fmt.Sprintf(kvInitializedFmt, rt.plugin.Version())
	v, ok, err := rt.projection.GetKV(ctx, key)
	if err != nil {
		return fmt.Errorf("runtime: read init marker: %w", err)
	}
	if ok && v != 0 {
		return nil
	}
	if err := rt.plugin.Initialize(ctx, rt.projection); err != nil {
		return fmt.Errorf("runtime: plugin initialize: %w", err)
	}
	return rt.projection.SetKV(ctx, key, 1)
}

func (rt *Runtime) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.adjustDepth(rt.hostUnderPressure())
			lookaheadDepthGauge.WithLabelValues(rt.plugin.Name()).Set(float64(atomic.LoadInt32(&rt.depth)))
		}
	}
}

// hostUnderPressure reports whether CPU or memory utilization has
// crossed the 90% cooperative-backpressure threshold. Errors reading
// either metric are treated as "not under pressure" rather than
// stalling every indexer on the host over a transient sampling error.
func (rt *Runtime) hostUnderPressure() bool {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 && pct[0] >= 90 {
		return true
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent >= 90 {
		return true
	}
	return false
}

func (rt *Runtime) adjustDepth(underPressure bool) {
	for {
		cur := atomic.LoadInt32(&rt.depth)
		next := cur
		if underPressure {
			next--
		} else {
			next++
		}
		if next < 0 {
			next = 0
		}
		if next > maxLookaheadDepth {
			next = maxLookaheadDepth
		}
		if atomic.CompareAndSwapInt32(&rt.depth, cur, next) {
			return
		}
	}
}

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
