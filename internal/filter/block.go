// Package filter selects blocks for listing.
package filter

import (
	"path/filepath"

	"github.com/dyluth/sidenode/internal/timespec"
	"github.com/dyluth/sidenode/pkg/chain"
)

// Criteria defines filtering criteria for blocks.
// All filters are ANDed together - a block must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	ContractGlob     string // Glob pattern a transaction's contract must match, empty = no filter
	Sender           string // Exact match on a transaction's sender, empty = no filter
}

// Matches returns true if the block matches all filter criteria. Contract and
// sender filters need one transaction matching both.
func (c *Criteria) Matches(b *chain.Block) bool {
	if c.SinceTimestampMs > 0 || c.UntilTimestampMs > 0 {
		ms, err := timespec.ParseBlockTimestamp(b.Timestamp)
		if err != nil {
			return false
		}
		if c.SinceTimestampMs > 0 && ms < c.SinceTimestampMs {
			return false
		}
		if c.UntilTimestampMs > 0 && ms > c.UntilTimestampMs {
			return false
		}
	}

	if c.ContractGlob == "" && c.Sender == "" {
		return true
	}
	for _, tx := range b.Transactions {
		if c.matchesTransaction(tx) {
			return true
		}
	}
	return false
}

func (c *Criteria) matchesTransaction(tx *chain.Transaction) bool {
	if c.ContractGlob != "" {
		matched, err := filepath.Match(c.ContractGlob, tx.Contract)
		if err != nil || !matched {
			return false
		}
	}
	return c.Sender == "" || tx.Sender == c.Sender
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.ContractGlob != "" ||
		c.Sender != ""
}
