// Package txstats is a reference indexing plugin: it tallies, per
// sender address, how many transactions it has sent and how much gas
// it has spent, denormalized into its own projection store. It exists
// to give the Indexer Runtime and the indexer command something
// concrete to drive — the per-plugin indexing logic itself is a
// pluggable collaborator, not part of the core.
package txstats

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindexer/core/internal/plugin"
	"github.com/evmindexer/core/internal/store"
)

// Plugin implements plugin.Plugin.
type Plugin struct{}

// New constructs the txstats plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string     { return "txstats" }
func (p *Plugin) Version() int     { return 1 }
func (p *Plugin) UsesTraces() bool { return false }

// Initialize creates the plugin's single table, keyed by sender
// address.
func (p *Plugin) Initialize(ctx context.Context, projection *store.Store) error {
	_, err := projection.Exec(ctx, `CREATE TABLE IF NOT EXISTS address_tx_stats (
		address BLOB PRIMARY KEY,
		tx_count INTEGER NOT NULL,
		gas_used_total INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("txstats: create schema: %w", err)
	}
	return nil
}

type stat struct {
	count, gas uint64
}

// delta is the opaque object Extract hands to Save: per-address
// deltas accumulated over one batch, to be added to the running
// totals rather than overwriting them.
type delta struct {
	byAddress map[common.Address]stat
}

// Extract tallies transaction count and gas used per sender over the
// batch. It touches no store, per the plugin contract.
func (p *Plugin) Extract(batch plugin.TxBatch) (interface{}, error) {
	d := delta{byAddress: make(map[common.Address]stat)}
	for _, dtx := range batch.Txs {
		addr := dtx.Tx.From()
		s := d.byAddress[addr]
		s.count++
		s.gas += dtx.Tx.GasUsed()
		d.byAddress[addr] = s
	}
	return d, nil
}

// Save adds delta's per-address tallies onto the running totals.
func (p *Plugin) Save(ctx context.Context, projection *store.Tx, blocks *store.Store, raw interface{}) error {
	d, ok := raw.(delta)
	if !ok {
		return fmt.Errorf("txstats: unexpected delta type %T", raw)
	}
	for addr, s := range d.byAddress {
		_, err := projection.Exec(ctx, `INSERT INTO address_tx_stats(address, tx_count, gas_used_total) VALUES (?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				tx_count = tx_count + excluded.tx_count,
				gas_used_total = gas_used_total + excluded.gas_used_total`,
			addr.Bytes(), s.count, s.gas)
		if err != nil {
			return fmt.Errorf("txstats: upsert %s: %w", addr, err)
		}
	}
	return nil
}
