package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ideamans/authsession/pkg/config"
)

// testConfigCmd represents the test-config command
var testConfigCmd = &cobra.Command{
	Use:   "test-config",
	Short: "Validate the configuration file",
	Long: `Test and validate the configuration file without contacting the
identity provider.

If the configuration is valid, the command exits with status 0.
If there are validation errors, the command exits with status 1.`,
	RunE: runTestConfig,
}

func init() {
	rootCmd.AddCommand(testConfigCmd)
}

func runTestConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Testing configuration file: %s\n", cfgFile)

	loader := config.NewFileLoader(cfgFile)
	cfg, err := loader.Load()
	for _, name := range loader.MissingEnvVars() {
		fmt.Fprintf(out, "! Environment variable %s is not set\n", name)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "✓ Configuration file loaded successfully")
	fmt.Fprintln(out, "✓ Configuration validation passed")

	fmt.Fprintln(out, "\nConfiguration Summary:")
	fmt.Fprintf(out, "  Identity Provider: %s\n", cfg.Auth.IdentityProviderBaseURL)
	fmt.Fprintf(out, "  Client ID: %s\n", cfg.Auth.ClientID)
	fmt.Fprintf(out, "  Default Scope: %s\n", cfg.Auth.DefaultScope)
	if cfg.Auth.DefaultAudience != "" {
		fmt.Fprintf(out, "  Default Audience: %s\n", cfg.Auth.DefaultAudience)
	}
	if cfg.Auth.UseRefreshTokens {
		fmt.Fprintln(out, "  Renewal: refresh tokens")
	} else {
		fmt.Fprintln(out, "  Renewal: silent authorize request")
	}
	fmt.Fprintf(out, "  Token Cache: %s\n", cfg.Auth.CacheLocation)
	fmt.Fprintf(out, "  Storage: %s (namespace: %s)\n", cfg.Storage.Type, cfg.Storage.Namespace)
	if cfg.Agent.RateLimit.Requests > 0 {
		fmt.Fprintf(out, "  Agent: %s (%d requests per %s)\n", cfg.Agent.Listen, cfg.Agent.RateLimit.Requests, cfg.Agent.RateLimit.Interval)
	} else {
		fmt.Fprintf(out, "  Agent: %s (no rate limit)\n", cfg.Agent.Listen)
	}

	fmt.Fprintln(out, "\n✓ Configuration is valid and ready to use")
	return nil
}
