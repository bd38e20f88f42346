// Command fetcher runs the Block Fetcher for one chain: it pulls new
// blocks, receipts, and (when enabled) traces from an EVM JSON-RPC
// endpoint and appends them to that chain's on-disk block store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evmindexer/core/internal/batchsizer"
	"github.com/evmindexer/core/internal/chainconfig"
	"github.com/evmindexer/core/internal/dispatcher"
	"github.com/evmindexer/core/internal/fetchloop"
	"github.com/evmindexer/core/internal/harvester"
	"github.com/evmindexer/core/internal/jsonrpc"
	"github.com/evmindexer/core/internal/store"
)

func main() {
	configPath := flag.String("config", "chains.json", "chain configuration JSON file")
	chainName := flag.String("chain", "", "chain name to fetch (required)")
	dataDir := flag.String("data-dir", "./data", "directory holding per-chain block store files")
	fixedBatchSize := flag.Bool("fixed-batch-size", false, "disable adaptive batch sizing")
	metricsAddr := flag.String("metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
	flag.Parse()

	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
				gethlog.Warn("metrics server exited", "err", err)
			}
		}()
	}

	if *chainName == "" {
		gethlog.Crit("usage: fetcher -chain <name> [-config chains.json] [-data-dir ./data]")
	}

	f, err := os.Open(*configPath)
	if err != nil {
		gethlog.Crit("open chain config", "err", err)
	}
	chains, err := chainconfig.Load(f)
	f.Close()
	if err != nil {
		gethlog.Crit("load chain config", "err", err)
	}
	chain, ok := chainconfig.Find(chains, *chainName)
	if !ok {
		gethlog.Crit("chain not found in config", "chain", *chainName)
	}

	ctx, cancel := rootContext()
	defer cancel()

	transport := jsonrpc.New(chain.RPCURL, &http.Client{Timeout: 30 * time.Second})
	sizer := batchsizer.New(chain.RequestBatchSize, 1, *fixedBatchSize)
	go sizer.Run(ctx, chain.Name) // the sizer owns this tick; canceling ctx on shutdown stops it
	disp := dispatcher.New(transport, chain.MaxConcurrency, chain.RequestsPerSec, sizer)

	h := harvester.New(disp)
	h.TraceEnabled = chain.DebugTracing
	h.FallbackBatchSize = chain.RequestBatchSize

	dbPath := filepath.Join(*dataDir, fmt.Sprintf("%s.blocks.db", chain.Name))
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		gethlog.Crit("create data dir", "err", err)
	}
	st, err := store.OpenWriter(dbPath)
	if err != nil {
		gethlog.Crit("open block store", "path", dbPath, "err", err)
	}
	defer st.Close()
	if err := st.SetHasDebug(ctx, chain.DebugTracing); err != nil {
		gethlog.Crit("set has_debug", "err", err)
	}

	loop := fetchloop.New(chain.Name, disp, h, st, chain.BlocksPerFetch)
	gethlog.Info("fetcher starting", "chain", chain.Name, "rpc", chain.RPCURL, "debugTracing", chain.DebugTracing)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		gethlog.Crit("fetch loop exited", "err", err)
	}
	gethlog.Info("fetcher stopped", "chain", chain.Name)
}

// rootContext returns a context canceled on SIGINT/SIGTERM, giving the
// fetch loop a chance to finish its in-flight batch before exiting.
func rootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
