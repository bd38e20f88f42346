// Command apiserver exposes minimal operational status over HTTP for
// the chains configured in chains.json: tip block number and, for any
// projection stores found alongside it, their last indexed tx.
// Routing a full read API over block and projection data is an
// external collaborator's job, not this core's — this binary only
// answers "is it running and how far has it gotten".
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evmindexer/core/internal/chainconfig"
	"github.com/evmindexer/core/internal/runtime"
	"github.com/evmindexer/core/internal/store"
)

type chainStatus struct {
	Chain       string           `json:"chain"`
	TipBlock    int64            `json:"tip_block"`
	Checkpoints map[string]int64 `json:"checkpoints,omitempty"`
}

func main() {
	configPath := flag.String("config", "chains.json", "chain configuration JSON file")
	dataDir := flag.String("data-dir", "./data", "directory holding block and projection store files")
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	f, err := os.Open(*configPath)
	if err != nil {
		gethlog.Crit("open chain config", "err", err)
	}
	chains, err := chainconfig.Load(f)
	f.Close()
	if err != nil {
		gethlog.Crit("load chain config", "err", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		statuses := make([]chainStatus, 0, len(chains))
		for _, c := range chains {
			cs, err := readChainStatus(*dataDir, c.Name)
			if err != nil {
				gethlog.Warn("read chain status", "chain", c.Name, "err", err)
				continue
			}
			statuses = append(statuses, cs)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statuses)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	gethlog.Info("apiserver listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		gethlog.Crit("apiserver exited", "err", err)
	}
}

// readChainStatus opens the chain's block store plus any projection
// stores sitting next to it, read-only, and reports their current
// progress. It never writes; the fetcher and indexer own that.
func readChainStatus(dataDir, chainName string) (chainStatus, error) {
	ctx := context.Background()
	cs := chainStatus{Chain: chainName, Checkpoints: make(map[string]int64)}

	blocksPath := filepath.Join(dataDir, fmt.Sprintf("%s.blocks.db", chainName))
	blocks, err := store.OpenReader(blocksPath)
	if err != nil {
		return cs, fmt.Errorf("open block store: %w", err)
	}
	defer blocks.Close()

	tip, err := blocks.GetLastStoredBlock(ctx)
	if err != nil {
		return cs, fmt.Errorf("read tip: %w", err)
	}
	cs.TipBlock = tip

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return cs, fmt.Errorf("read data dir: %w", err)
	}
	prefix := chainName + "."
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".projection.db") {
			continue
		}
		pluginName := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".projection.db")
		proj, err := store.OpenReader(filepath.Join(dataDir, name))
		if err != nil {
			gethlog.Warn("open projection store", "file", name, "err", err)
			continue
		}
		checkpoint, ok, err := proj.GetKV(ctx, runtime.CheckpointKey)
		proj.Close()
		if err != nil {
			gethlog.Warn("read checkpoint", "file", name, "err", err)
			continue
		}
		if ok {
			cs.Checkpoints[pluginName] = checkpoint
		}
	}
	return cs, nil
}
