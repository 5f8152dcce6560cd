package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/authsession"
)

var (
	tokenAudience  string
	tokenScopes    []string
	tokenCacheMode string
	tokenJSON      bool
	tokenPopup     bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an access token",
	Long: `Print an access token for an audience and scopes without user
interaction. The token comes from the cache while it is fresh and is renewed
silently otherwise. With --popup a browser login is used when the provider
needs consent or interaction.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAudience, "audience", "", "API audience (default: auth.default_audience)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "Additional scopes")
	tokenCmd.Flags().StringVar(&tokenCacheMode, "cache-mode", string(authsession.CacheModeOn), "Cache mode: on, off or cache-only")
	tokenCmd.Flags().BoolVar(&tokenJSON, "json", false, "Print the token response as JSON")
	tokenCmd.Flags().BoolVar(&tokenPopup, "popup", false, "Fall back to a browser login when interaction is required")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
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

	tok, err := session.GetAccessTokenSilently(ctx, tokenAudience, tokenScopes, authsession.WithCacheMode(authsession.CacheMode(tokenCacheMode)))
	if err != nil && tokenPopup && autherr.KindOf(err).RequiresInteraction() {
		tok, err = session.GetAccessTokenWithPopup(ctx, tokenAudience, tokenScopes)
	}
	if err != nil {
		return fmt.Errorf("no token: %w", err)
	}

	if tokenJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"access_token": tok.AccessToken,
			"token_type":   tok.TokenType,
			"expires_at":   tok.ExpiresAt,
			"scope":        tok.Scope,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
	return nil
}
