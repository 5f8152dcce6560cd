package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ideamans/authsession/pkg/authsession"
)

var (
	logoutLocal    bool
	logoutReturnTo string
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget cached tokens",
	Long: `Sign out: cached tokens and the remembered session are removed, then
the provider's logout page is opened in the system browser unless --local is
given.`,
	RunE: runLogout,
}

func init() {
	logoutCmd.Flags().BoolVar(&logoutLocal, "local", false, "Only clear local state")
	logoutCmd.Flags().StringVar(&logoutReturnTo, "return-to", "", "Where the provider sends the browser afterwards")
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	session, err := rt.newSession(rt.cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Logout(ctx, authsession.LogoutOptions{LocalOnly: logoutLocal, ReturnTo: logoutReturnTo}); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}
