// Package explorer reads the chain a node has saved to Redis, for the
// block and blocks commands. Blocks still buffered by storage are not
// visible until it saves.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/pkg/chain"
)

// BlockNotFoundError reports a block number with no saved block.
type BlockNotFoundError struct {
	BlockNumber uint64
}

func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("block %d not found", e.BlockNumber)
}

// IsNotFound returns true if the error is a BlockNotFoundError.
func IsNotFound(err error) bool {
	var target *BlockNotFoundError
	return errors.As(err, &target)
}

// Head returns the saved chain head.
func Head(ctx context.Context, client *bus.Client) (*chain.Block, error) {
	data, err := client.Redis().Get(ctx, bus.HeadKey(client.InstanceName())).Bytes()
	if err != nil {
		if bus.IsNotFound(err) {
			return nil, fmt.Errorf("instance '%s' has no saved chain", client.InstanceName())
		}
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	var head chain.Block
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("corrupt chain head: %w", err)
	}
	return &head, nil
}

// GetBlock reads one saved block.
func GetBlock(ctx context.Context, client *bus.Client, blockNumber uint64) (*chain.Block, error) {
	data, err := client.Redis().Get(ctx, bus.BlockKey(client.InstanceName(), blockNumber)).Bytes()
	if err != nil {
		if bus.IsNotFound(err) {
			return nil, &BlockNotFoundError{BlockNumber: blockNumber}
		}
		return nil, fmt.Errorf("failed to fetch block %d: %w", blockNumber, err)
	}
	var b chain.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("corrupt block %d: %w", blockNumber, err)
	}
	return &b, nil
}

// WriteBlock writes one saved block to w as indented JSON.
func WriteBlock(ctx context.Context, client *bus.Client, blockNumber uint64, w io.Writer) error {
	b, err := GetBlock(ctx, client, blockNumber)
	if err != nil {
		return err
	}
	return FormatSingleJSON(w, b)
}
