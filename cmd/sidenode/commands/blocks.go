package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/explorer"
	"github.com/dyluth/sidenode/internal/filter"
	"github.com/dyluth/sidenode/internal/printer"
	"github.com/dyluth/sidenode/internal/timespec"
	"github.com/spf13/cobra"
)

var (
	blocksOutputFormat string
	blocksFrom         uint64
	blocksTo           uint64
	blocksSince        string
	blocksUntil        string
	blocksContract     string
	blocksSender       string
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List blocks saved by a node",
	Long: `List the blocks a node has saved to Redis.

Output Formats:
  default - Table with truncated hashes
  jsonl   - One complete block per line (a blocks log replay can read)

Examples:
  # List the whole saved chain
  sidenode blocks

  # Blocks touching the tokens contract in the last hour
  sidenode blocks --contract tokens --since 1h

  # Export a blocks log
  sidenode blocks --output=jsonl > blocks.log`,
	Args: cobra.NoArgs,
	RunE: runBlocks,
}

var blockCmd = &cobra.Command{
	Use:   "block <number>",
	Short: "Show one saved block",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlock,
}

func init() {
	blocksCmd.Flags().StringVarP(&blocksOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	blocksCmd.Flags().Uint64Var(&blocksFrom, "from", 0, "First block number")
	blocksCmd.Flags().Uint64Var(&blocksTo, "to", 0, "Last block number (default: saved head)")
	blocksCmd.Flags().StringVar(&blocksSince, "since", "", "Only blocks after this time (duration like 1h, or timestamp)")
	blocksCmd.Flags().StringVar(&blocksUntil, "until", "", "Only blocks before this time")
	blocksCmd.Flags().StringVar(&blocksContract, "contract", "", "Only blocks with a transaction to a contract matching this glob")
	blocksCmd.Flags().StringVar(&blocksSender, "sender", "", "Only blocks with a transaction from this account")
	rootCmd.AddCommand(blocksCmd, blockCmd)
}

// dialStorage connects to the Redis instance of the configured node.
func dialStorage(ctx context.Context) (*bus.Client, *config.NodeConfig, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := bus.Dial(cfg.Storage.RedisURL, cfg.Instance)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bus client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Storage.RedisURL),
			map[string]string{"config": path},
			[]string{"Check storage.redis_url, and that the node's Redis is running"},
		)
	}
	return client, cfg, nil
}

func runBlocks(cmd *cobra.Command, args []string) error {
	format := explorer.OutputFormat(blocksOutputFormat)
	if format != explorer.OutputFormatDefault && format != explorer.OutputFormatJSONL {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", blocksOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	since, until, err := timespec.ParseRange(blocksSince, blocksUntil)
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}
	criteria := &filter.Criteria{
		SinceTimestampMs: since,
		UntilTimestampMs: until,
		ContractGlob:     blocksContract,
		Sender:           blocksSender,
	}
	if !criteria.HasFilters() {
		criteria = nil
	}

	ctx := cmd.Context()
	client, _, err := dialStorage(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return explorer.ListBlocks(ctx, client, explorer.Range{From: blocksFrom, To: blocksTo}, criteria, format, os.Stdout)
}

func runBlock(cmd *cobra.Command, args []string) error {
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return printer.Error("invalid block number", fmt.Sprintf("%q is not a block number", args[0]), nil)
	}

	ctx := cmd.Context()
	client, cfg, err := dialStorage(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := explorer.WriteBlock(ctx, client, n, os.Stdout); err != nil {
		if explorer.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("block %d not found", n),
				fmt.Sprintf("Instance '%s' has not saved block %d.", cfg.Instance, n),
				[]string{"List saved blocks:\n  sidenode blocks"},
			)
		}
		return err
	}
	return nil
}
