package commands

import (
	"fmt"

	"github.com/dyluth/sidenode/internal/instance"
	"github.com/dyluth/sidenode/internal/printer"
	"github.com/dyluth/sidenode/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit      bool
	initDir        string
	initInstance   string
	initChainID    string
	initStartBlock uint64
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter node configuration",
	Long: `Write a starter sidenode.yml, and a Dockerfile.plugin for building the
image used by runtime.mode: docker.

Use --force to overwrite existing files.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing files")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write into")
	initCmd.Flags().StringVar(&initInstance, "name", "default", "Instance name")
	initCmd.Flags().StringVar(&initChainID, "chain-id", "ssc-mainnet1", "custom_json id of sidechain transactions")
	initCmd.Flags().Uint64Var(&initStartBlock, "start-block", 0, "First source chain block to ingest")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := instance.ValidateName(initInstance); err != nil {
		return printer.Error("invalid instance name", err.Error(), nil)
	}

	if !forceInit {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return printer.Error(
				"project already initialized",
				err.Error(),
				[]string{"Use 'sidenode init --force' to overwrite the existing files"},
			)
		}
	}

	files, err := scaffold.Initialize(initDir, scaffold.Options{
		Instance:   initInstance,
		ChainID:    initChainID,
		StartBlock: initStartBlock,
	}, forceInit)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess(files)
	return nil
}
