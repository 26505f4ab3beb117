package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"mriya/internal/config"
	"mriya/internal/configstore"
	"mriya/internal/control"
	"mriya/internal/logging"
	"mriya/internal/orchestrator"
	"mriya/internal/provisioning"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var initForce bool

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and format the cache volume attached to every run",
	Long: `Create a block volume, format it with ext4 on a temporary instance and
record its id as scaleway.default_volume_id. An existing id is kept unless --force is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve workspace directory: %w", err)
		}
		request, err := orchestrator.NewInitRequest(cfg, filepath.Base(cwd), initForce)
		if err != nil {
			return err
		}

		backend, err := provisioning.NewVolumeBackend(cfg, provisioning.WithTestRunID(cfg.Run.TestRunID))
		if err != nil {
			return err
		}
		syncer, err := control.New(cfg.Sync)
		if err != nil {
			return err
		}
		store, err := configstore.NewStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logging.Logger().Warn("failed to close volume id store", zap.Error(err))
			}
		}()

		outcome, err := orchestrator.NewInitOrchestrator(backend, syncer, store).Execute(ctx, request)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cache volume %s ready, default_volume_id written to %s\n",
			outcome.VolumeID, outcome.Location)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "Replace an already configured volume id")
}
