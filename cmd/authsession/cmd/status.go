package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCheck bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "Ask the provider whether its session is still active")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	session, err := rt.startSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if statusCheck {
		if err := session.CheckSession(ctx); err != nil {
			return fmt.Errorf("session check failed: %w", err)
		}
	}
	return printSession(cmd, session)
}
