package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/sidenode/internal/printer"
	"github.com/dyluth/sidenode/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchUntil        uint64
	watchTimeout      time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow blocks committed by a running node",
	Long: `Follow the blocks a running node commits, read from the Redis instance
named in the node configuration.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Stream committed blocks
  sidenode watch

  # Export block events as JSON
  sidenode watch --output=json > blocks.jsonl

  # Wait until block 500 is saved, then exit
  sidenode watch --until 500 --timeout 10m`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().Uint64Var(&watchUntil, "until", 0, "Exit once the saved chain head reaches this block")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Minute, "How long --until waits")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, cfg, err := dialStorage(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if watchUntil > 0 {
		head, err := watch.PollForHead(ctx, client, watchUntil, watchTimeout)
		if err != nil {
			return printer.Error(fmt.Sprintf("block %d not reached", watchUntil), err.Error(), nil)
		}
		printer.Success("Chain head at block %d (%s)\n", head.BlockNumber, head.Hash)
		return nil
	}

	sub, err := client.SubscribeBlockEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if outputFormat == watch.OutputFormatDefault {
		printer.Step("Watching %s...\n", cfg.Instance)
	}
	return watch.Stream(ctx, sub, outputFormat, os.Stdout)
}
