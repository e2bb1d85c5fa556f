package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/internal/node"
	"github.com/dyluth/sidenode/internal/plugins"
	"github.com/dyluth/sidenode/internal/printer"
	"github.com/dyluth/sidenode/internal/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 30 * time.Second

var (
	version string
	commit  string
	date    string
)

// rootCmd runs the node when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "sidenode",
	Short: "sidenode - sidechain node runtime",
	Long: `sidenode runs a sidechain node: it follows a source blockchain, executes
the sidechain transactions it finds in deterministic contracts, and commits
the results to a local chain stored in Redis.

Each subsystem (storage, blockchain, streamer, replay, api) runs as an
isolated worker managed by a supervisor.

Examples:
  # Run a live node
  sidenode --config sidenode.yml

  # Rebuild the chain from a blocks log, then exit
  sidenode --replay blocks.log.br`,
	Version: version,
	Args:    cobra.NoArgs,
	RunE:    runNode,
	// Strict flag parsing
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	// Errors are printed formatted by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("SIDENODE")
		viper.AutomaticEnv()
	})

	rootCmd.PersistentFlags().String("config", "sidenode.yml", "Path to the node configuration (env SIDENODE_CONFIG)")
	rootCmd.Flags().String("replay", "", "Rebuild the chain from this blocks log instead of following the source chain (env SIDENODE_REPLAY)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("replay", rootCmd.Flags().Lookup("replay"))
}

// loadConfig reads the configuration named by --config or SIDENODE_CONFIG.
func loadConfig() (*config.NodeConfig, string, error) {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"config": path},
			[]string{fmt.Sprintf("Check %s, or point --config at another file", path)},
		)
	}
	return cfg, path, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging, os.Stderr); err != nil {
		return printer.Error("invalid logging configuration", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spawner, cleanup, err := node.NewSpawner(ctx, cfg, plugins.Registry())
	if err != nil {
		return printer.ErrorWithContext(
			"failed to prepare subsystem runtime",
			err.Error(),
			map[string]string{"runtime": cfg.Runtime.Mode},
			nil,
		)
	}
	defer cleanup()

	ctrl := node.New(spawner, cfg, path)

	// The supervisor outlives the signal context so shutdown can still reach
	// the subsystems.
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- ctrl.Run(loopCtx) }()
	defer func() {
		cancelLoop()
		<-loopDone
	}()

	replayFile := viper.GetString("replay")
	if replayFile != "" {
		printer.Step("Replaying %s on chain %s...\n", replayFile, cfg.ChainID)
		err = ctrl.Replay(ctx, replayFile)
	} else {
		printer.Step("Starting sidenode %s on chain %s...\n", cfg.Instance, cfg.ChainID)
		err = ctrl.Start(ctx)
	}
	if err != nil {
		shutdown(ctrl)
		return startupError(err, replayFile)
	}

	if replayFile != "" {
		if err := shutdown(ctrl); err != nil {
			return err
		}
		printer.Success("Replay of %s complete\n", replayFile)
		return nil
	}

	printer.Success("sidenode %s running (API on %s)\n", cfg.Instance, cfg.API.Addr)

	var faultErr error
	select {
	case <-ctx.Done():
		printer.Info("\nShutting down...\n")
	case f := <-ctrl.Faults():
		faultErr = printer.Error(
			fmt.Sprintf("subsystem %s failed", f.Plugin),
			f.Err.Error(),
			[]string{"Check the node logs, then restart; ingestion resumes after the last processed block."},
		)
	}

	if err := shutdown(ctrl); err != nil {
		return err
	}
	if faultErr != nil {
		return faultErr
	}
	printer.Success("sidenode %s stopped\n", cfg.Instance)
	return nil
}

func shutdown(ctrl *node.Controller) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		return printer.Error("shutdown incomplete", err.Error(), nil)
	}
	return nil
}

func startupError(err error, replayFile string) error {
	var initErr *supervisor.PluginInitError
	var stepErr *node.StepError
	switch {
	case errors.As(err, &initErr):
		return printer.ErrorWithContext(
			"failed to start subsystem",
			err.Error(),
			map[string]string{"plugin": initErr.Plugin},
			nil,
		)
	case errors.As(err, &stepErr):
		suggestions := []string(nil)
		if replayFile != "" {
			suggestions = []string{"Check that the blocks log exists and continues the stored chain."}
		}
		return printer.ErrorWithContext(
			"node startup aborted",
			err.Error(),
			map[string]string{"plugin": stepErr.Plugin, "action": stepErr.Action},
			suggestions,
		)
	}
	return printer.Error("node startup aborted", err.Error(), nil)
}
