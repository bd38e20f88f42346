// Package chainconfig decodes the supervisor-provided JSON list of
// chain configurations. The core itself never reads this file from
// disk or consults environment variables for role selection — that
// plumbing belongs to the supervisor; this package only defines the
// shape and validates it.
package chainconfig

import (
	"encoding/json"
	"fmt"
	"io"
)

// Chain is one entry in the chain configuration list.
type Chain struct {
	Name             string  `json:"name"`
	BlockchainID     string  `json:"blockchainId"` // base58-check string
	EVMChainID       int64   `json:"evmChainId"`
	RPCURL           string  `json:"rpcUrl"`
	RequestBatchSize int     `json:"requestBatchSize"`
	MaxConcurrency   int     `json:"maxConcurrency"`
	RequestsPerSec   float64 `json:"requestsPerSecond"`
	DebugTracing     bool    `json:"debugTracing"`
	BlocksPerFetch   int     `json:"blocksPerFetch"`
}

// validate fills in the documented defaults and rejects configs
// missing a name or RPC URL, since those have no sane default.
func (c *Chain) validate() error {
	if c.Name == "" {
		return fmt.Errorf("chainconfig: entry missing name")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("chainconfig: chain %q missing rpcUrl", c.Name)
	}
	if c.RequestBatchSize <= 0 {
		c.RequestBatchSize = 50
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = 20
	}
	if c.BlocksPerFetch <= 0 {
		c.BlocksPerFetch = c.RequestBatchSize
	}
	return nil
}

// Load decodes a JSON array of Chain entries from r, applying
// defaults and rejecting entries missing required fields.
func Load(r io.Reader) ([]Chain, error) {
	var chains []Chain
	if err := json.NewDecoder(r).Decode(&chains); err != nil {
		return nil, fmt.Errorf("chainconfig: decode: %w", err)
	}
	for i := range chains {
		if err := chains[i].validate(); err != nil {
			return nil, err
		}
	}
	return chains, nil
}

// Find returns the chain entry with the given name, if present.
func Find(chains []Chain, name string) (Chain, bool) {
	for _, c := range chains {
		if c.Name == name {
			return c, true
		}
	}
	return Chain{}, false
}
