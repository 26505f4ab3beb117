package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
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

var errMissingExitStatus = errors.New("remote command terminated without an exit status")

var (
	runInstanceType  string
	runImage         string
	runCloudInit     string
	runCloudInitFile string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a command on a fresh instance holding a copy of the workspace",
	Long: `Provision an instance, sync the current directory to it, run the command
there and destroy the instance. The remote exit code becomes mriya's exit code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRemote(ctx, cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().SetInterspersed(false)
	runCmd.Flags().StringVar(&runInstanceType, "instance-type", "", "Override the configured instance type")
	runCmd.Flags().StringVar(&runImage, "image", "", "Override the configured image label")
	runCmd.Flags().StringVar(&runCloudInit, "cloud-init", "", "Inline cloud-init user-data")
	runCmd.Flags().StringVar(&runCloudInitFile, "cloud-init-file", "", "Path to a cloud-init user-data file")
	runCmd.MarkFlagsMutuallyExclusive("cloud-init", "cloud-init-file")
}

func runRemote(ctx context.Context, cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	request, err := provisioning.DefaultRequest(cfg)
	if err != nil {
		return err
	}
	if err := applyRunOverrides(cmd, &request); err != nil {
		return err
	}
	if cfg.Provider.Type == config.ProviderScaleway {
		request.VolumeID = sharedVolumeID(ctx, cfg)
	}

	command, err := control.RenderCommand(args)
	if err != nil {
		return err
	}
	source, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve workspace directory: %w", err)
	}

	backend, err := provisioning.NewBackend(ctx, cfg, provisioning.WithTestRunID(cfg.Run.TestRunID))
	if err != nil {
		return err
	}
	syncer, err := control.New(cfg.Sync)
	if err != nil {
		return err
	}

	runner := orchestrator.NewRunOrchestrator(backend, syncer,
		orchestrator.WithCloudInitPollInterval(cfg.Run.CloudInitPollInterval),
		orchestrator.WithCloudInitWaitTimeout(cfg.Run.CloudInitWaitTimeout),
		orchestrator.WithMountPath(cfg.Sync.VolumeMountPath))

	output, err := runner.Execute(ctx, request, source, command)
	if err != nil {
		return err
	}
	if output.ExitCode == nil {
		return errMissingExitStatus
	}
	if *output.ExitCode != 0 {
		return &exitStatus{code: *output.ExitCode}
	}
	return nil
}

// applyRunOverrides applies the command line flags on top of the configured request.
func applyRunOverrides(cmd *cobra.Command, request *provisioning.InstanceRequest) error {
	flags := cmd.Flags()
	if flags.Changed("instance-type") {
		request.InstanceType = runInstanceType
	}
	if flags.Changed("image") {
		request.ImageLabel = runImage
	}

	var inline, file *string
	if flags.Changed("cloud-init") {
		inline = &runCloudInit
	}
	if flags.Changed("cloud-init-file") {
		file = &runCloudInitFile
	}
	if inline != nil || file != nil {
		userData, err := config.ResolveCloudInitUserData(inline, file)
		if err != nil {
			return fmt.Errorf("cloud-init configuration error: %w", err)
		}
		request.CloudInitUserData = userData
	}

	*request = request.Normalized()
	return request.Validate()
}

// sharedVolumeID prefers the id held in etcd when endpoints are configured.
func sharedVolumeID(ctx context.Context, cfg *config.Config) string {
	if len(cfg.Etcd.Endpoints) == 0 {
		return cfg.Scaleway.DefaultVolumeID
	}

	store, err := configstore.NewStore(ctx, cfg)
	if err != nil {
		logging.Logger().Warn("failed to open volume id store, using configuration file", zap.Error(err))
		return cfg.Scaleway.DefaultVolumeID
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Logger().Warn("failed to close volume id store", zap.Error(err))
		}
	}()

	return configstore.RunVolumeID(ctx, store, cfg.Scaleway.DefaultVolumeID)
}
