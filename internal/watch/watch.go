// Package watch follows a running node from the outside, through the Redis
// keys and channel the storage subsystem writes.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/pkg/chain"
)

// OutputFormat selects how Stream renders events.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

const headPollInterval = 200 * time.Millisecond

// PollForHead polls the committed chain head until it reaches blockNumber.
// Returns the head block or an error if timeout occurs.
func PollForHead(ctx context.Context, client *bus.Client, blockNumber uint64, timeout time.Duration) (*chain.Block, error) {
	ticker := time.NewTicker(headPollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for block %d after %v", blockNumber, timeout)

		case <-ticker.C:
			data, err := client.Redis().Get(ctx, bus.HeadKey(client.InstanceName())).Bytes()
			if err != nil {
				if bus.IsNotFound(err) {
					// Storage has not saved yet
					continue
				}
				return nil, fmt.Errorf("failed to read chain head: %w", err)
			}

			var head chain.Block
			if err := json.Unmarshal(data, &head); err != nil {
				return nil, fmt.Errorf("corrupt chain head: %w", err)
			}
			if head.BlockNumber >= blockNumber {
				return &head, nil
			}
		}
	}
}

// Stream writes every block event from sub to w until ctx is cancelled or the
// subscription ends.
func Stream(ctx context.Context, sub *bus.Subscription, format OutputFormat, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)

		case raw, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, raw, format); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, raw json.RawMessage, format OutputFormat) error {
	if format == OutputFormatJSON {
		_, err := fmt.Fprintf(w, "%s\n", raw)
		return err
	}

	var ev storage.BlockEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		_, err = fmt.Fprintf(w, "⚠️  unreadable block event: %v\n", err)
		return err
	}
	_, err := fmt.Fprintf(w, "[%s] 📦 block %d (source %d) txs=%d hash=%s\n",
		time.Now().Format("15:04:05"), ev.BlockNumber, ev.RefBlockNumber, ev.Transactions, shortHash(ev.Hash))
	return err
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
