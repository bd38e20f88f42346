// Command indexer runs the Indexer Runtime for one (chain, plugin)
// pair: it drives a single projection plugin over a chain's block
// store, maintaining its own checkpoint and projection database.
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

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evmindexer/core/internal/plugin"
	"github.com/evmindexer/core/internal/plugins/txstats"
	"github.com/evmindexer/core/internal/runtime"
	"github.com/evmindexer/core/internal/store"
)

// registry lists the plugins this binary knows how to run. Plugin
// loading and discovery by filesystem convention is out of scope;
// new plugins are wired in here by name.
var registry = map[string]func() plugin.Plugin{
	"txstats": func() plugin.Plugin { return txstats.New() },
}

func main() {
	chainName := flag.String("chain", "", "chain name, matching the fetcher's block store file (required)")
	pluginName := flag.String("plugin", "", "plugin to run (required)")
	dataDir := flag.String("data-dir", "./data", "directory holding block and projection store files")
	workers := flag.Int("workers", 0, "prefetch worker pool size (0 = GOMAXPROCS)")
	metricsAddr := flag.String("metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
	flag.Parse()

	if *chainName == "" || *pluginName == "" {
		gethlog.Crit("usage: indexer -chain <name> -plugin <name> [-data-dir ./data]")
	}

	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
				gethlog.Warn("metrics server exited", "err", err)
			}
		}()
	}

	newPlugin, ok := registry[*pluginName]
	if !ok {
		gethlog.Crit("unknown plugin", "plugin", *pluginName)
	}
	p := newPlugin()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		gethlog.Crit("create data dir", "err", err)
	}

	blocksPath := filepath.Join(*dataDir, fmt.Sprintf("%s.blocks.db", *chainName))
	blocks, err := store.OpenReader(blocksPath)
	if err != nil {
		gethlog.Crit("open block store", "path", blocksPath, "err", err)
	}
	defer blocks.Close()

	hasDebug, set, err := blocks.GetHasDebug(context.Background())
	if err != nil {
		gethlog.Crit("read has_debug", "err", err)
	}
	if p.UsesTraces() && (!set || !hasDebug) {
		gethlog.Crit("plugin requires traces but chain's block store was fetched without debug tracing", "plugin", p.Name())
	}

	projectionPath := filepath.Join(*dataDir, fmt.Sprintf("%s.%s.v%d.projection.db", *chainName, p.Name(), p.Version()))
	projection, err := store.OpenProjectionWriter(projectionPath)
	if err != nil {
		gethlog.Crit("open projection store", "path", projectionPath, "err", err)
	}
	defer projection.Close()

	ctx, cancel := rootContext()
	defer cancel()

	rt := runtime.New(p, blocks, projection, *workers)
	gethlog.Info("indexer starting", "chain", *chainName, "plugin", p.Name(), "version", p.Version())
	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		gethlog.Crit("indexer runtime exited", "err", err)
	}
	gethlog.Info("indexer stopped", "chain", *chainName, "plugin", p.Name())
}

// rootContext returns a context canceled on SIGINT/SIGTERM, giving the
// runtime a chance to finish its in-flight commit before exiting.
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
