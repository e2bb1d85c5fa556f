package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/filter"
	"github.com/dyluth/sidenode/pkg/chain"
)

// OutputFormat specifies how to format the block list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated hashes
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete blocks as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

const fetchBatch = 100

// Range bounds a listing. To of zero means the saved head.
type Range struct {
	From uint64
	To   uint64
}

// ListBlocks writes the saved blocks in r that match criteria to w, in block
// order. Undecodable blocks are skipped with a warning to stderr.
func ListBlocks(ctx context.Context, client *bus.Client, r Range, criteria *filter.Criteria, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSONL {
		return fmt.Errorf("unknown output format: %s", format)
	}

	to := r.To
	if to == 0 {
		head, err := Head(ctx, client)
		if err != nil {
			return err
		}
		to = head.BlockNumber
	}
	if r.From > to {
		return fmt.Errorf("invalid range: from %d is past %d", r.From, to)
	}

	var blocks []*chain.Block
	for start := r.From; start <= to; start += fetchBatch {
		end := min(start+fetchBatch-1, to)

		keys := make([]string, 0, end-start+1)
		for n := start; n <= end; n++ {
			keys = append(keys, bus.BlockKey(client.InstanceName(), n))
		}
		values, err := client.Redis().MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to fetch blocks %d-%d: %w", start, end, err)
		}

		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue // not saved
			}
			var b chain.Block
			if err := json.Unmarshal([]byte(raw), &b); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Skipping malformed block: key=%s (error: %v)\n", keys[i], err)
				continue
			}
			if criteria != nil && !criteria.Matches(&b) {
				continue
			}
			blocks = append(blocks, &b)
		}

		if end == to {
			break
		}
	}

	if format == OutputFormatJSONL {
		return FormatJSONL(w, blocks)
	}
	FormatTable(w, blocks, client.InstanceName())
	return nil
}
