package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ideamans/authsession/pkg/authsession"
)

var (
	loginAudience   string
	loginScopes     []string
	loginRedirect   bool
	loginPrompt     string
	loginScreenHint string
	loginConnection string
	loginTimeout    time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through the system browser",
	Long: `Sign in at the identity provider in the system browser.

By default the browser tab is treated as a popup: the command waits for the
provider to call back on the loopback address, or for the popup timeout.
With --redirect the command follows the full-page redirect flow instead and
completes the login when the callback arrives.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginAudience, "audience", "", "API audience (default: auth.default_audience)")
	loginCmd.Flags().StringSliceVar(&loginScopes, "scope", nil, "Additional scopes")
	loginCmd.Flags().BoolVar(&loginRedirect, "redirect", false, "Use the redirect flow instead of a popup")
	loginCmd.Flags().StringVar(&loginPrompt, "prompt", "", "Prompt parameter, such as login or consent")
	loginCmd.Flags().StringVar(&loginScreenHint, "screen-hint", "", "Screen hint, such as signup")
	loginCmd.Flags().StringVar(&loginConnection, "connection", "", "Provider connection to use")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "How long to wait for the redirect callback")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
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

	opts := authsession.LoginOptions{
		Audience:   loginAudience,
		Scopes:     loginScopes,
		Prompt:     loginPrompt,
		ScreenHint: loginScreenHint,
		Connection: loginConnection,
	}

	if !loginRedirect {
		if err := session.LoginWithPopup(ctx, opts); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		return printSession(cmd, session)
	}

	if err := session.LoginWithRedirect(ctx, opts); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	landed, err := rt.loop.WaitRedirect(waitCtx)
	if err != nil {
		return fmt.Errorf("no callback received: %w", err)
	}
	rt.location.Load(landed)

	// the callback is handled by a fresh session, as after a page load
	page, err := rt.newSession(rt.cfg)
	if err != nil {
		return err
	}
	defer page.Close()
	if _, err := page.HandleRedirectCallback(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return printSession(cmd, page)
}

func printSession(cmd *cobra.Command, s *authsession.AuthSession) error {
	sess := s.Session()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"status":        sess.Status(),
		"authenticated": sess.Authenticated,
		"user":          sess.User,
		"last_error":    sess.LastError,
	})
}
