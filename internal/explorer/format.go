package explorer

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/sidenode/internal/timespec"
	"github.com/dyluth/sidenode/pkg/chain"
)

// FormatTable writes blocks as a table with columns BLOCK, SOURCE, TXS,
// FAILED, AGE and HASH (truncated). Returns the number of blocks formatted.
func FormatTable(w io.Writer, blocks []*chain.Block, instanceName string) int {
	if len(blocks) == 0 {
		fmt.Fprintf(w, "No blocks found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Blocks for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-8s %-10s %-5s %-6s %-8s %s\n",
		"BLOCK", "SOURCE", "TXS", "FAILED", "AGE", "HASH")
	fmt.Fprintf(w, "%-8s %-10s %-5s %-6s %-8s %s\n",
		"--------", "----------", "-----", "------", "--------", "------------")

	for _, b := range blocks {
		fmt.Fprintf(w, "%-8d %-10s %-5d %-6d %-8s %s\n",
			b.BlockNumber,
			formatRef(b.RefBlockNumber),
			len(b.Transactions),
			failedCount(b),
			formatTimestamp(b.Timestamp),
			formatHash(b.Hash),
		)
	}

	countMsg := "block"
	if len(blocks) != 1 {
		countMsg = "blocks"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(blocks), countMsg)

	return len(blocks)
}

// FormatJSONL writes one compact JSON block per line, the blocks log format
// replay reads.
func FormatJSONL(w io.Writer, blocks []*chain.Block) error {
	enc := json.NewEncoder(w)
	for _, b := range blocks {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to write block %d: %w", b.BlockNumber, err)
		}
	}
	return nil
}

// FormatSingleJSON writes a block as indented JSON.
func FormatSingleJSON(w io.Writer, b *chain.Block) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal block to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func failedCount(b *chain.Block) int {
	n := 0
	for _, tx := range b.Transactions {
		for _, l := range tx.Logs {
			if l.Failed() {
				n++
				break
			}
		}
	}
	return n
}

// formatRef shows "-" for blocks without source transactions.
func formatRef(ref uint64) string {
	if ref == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", ref)
}

func formatHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// formatTimestamp shows the block's age like "2m ago", "1h ago".
func formatTimestamp(ts string) string {
	ms, err := timespec.ParseBlockTimestamp(ts)
	if err != nil {
		return "-"
	}

	diff := time.Since(time.UnixMilli(ms))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
