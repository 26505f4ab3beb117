/*
Copyright © 2025 renatuscartesius <cartesius.absolute@gmail.com>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitStatus carries a non-zero remote exit code out of a command without printing it.
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "mriya",
	Short:         "Teleport your workspace to a Scaleway VM and run commands remotely",
	Long:          `mriya provisions a short-lived cloud instance, syncs the current directory to it, runs one command there and destroys the instance again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the selected command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var status *exitStatus
	if errors.As(err, &status) {
		return status.code
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}
