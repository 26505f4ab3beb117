package cmd

import (
	"fmt"
	"os"

	"mriya/internal/janitor"

	"github.com/spf13/cobra"
)

var (
	janitorProjectID string
	janitorTestRunID string
	janitorScwBin    string
)

// janitorCmd represents the janitor command
var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Delete servers and volumes tagged with a test run id",
	Long: `Delete every Scaleway server and block volume carrying the
mriya-test-run-<id> tag through the scw CLI, then verify none is left.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := janitor.NewConfig(janitorProjectID, janitorTestRunID, janitorScwBin)
		if err != nil {
			return err
		}
		summary, err := janitor.NewWithProcessRunner(cfg).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "janitor sweep complete: deleted_servers=%d, deleted_volumes=%d\n",
			summary.DeletedServers, summary.DeletedVolumes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(janitorCmd)

	janitorCmd.Flags().StringVar(&janitorProjectID, "project-id", os.Getenv("SCW_DEFAULT_PROJECT_ID"), "Scaleway project to sweep")
	janitorCmd.Flags().StringVar(&janitorTestRunID, "test-run-id", os.Getenv(janitor.TestRunIDEnv), "Test run whose resources are deleted")
	janitorCmd.Flags().StringVar(&janitorScwBin, "scw-bin", janitor.DefaultScwBin, "Scaleway CLI binary")
}
