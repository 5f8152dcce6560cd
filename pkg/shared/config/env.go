// Package config holds helpers shared by configuration loaders.
package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} or ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} with the value of VAR (empty if unset) and
// ${VAR:-default} with the value of VAR, or default when VAR is unset or
// empty.
//
//	client_id: ${AUTH_CLIENT_ID}
//	identity_provider_base_url: ${AUTH_DOMAIN:-https://login.example.com}
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(parts[1]); ok && value != "" {
			return value
		}
		if len(parts) >= 4 && parts[2] != "" {
			return parts[3]
		}
		return ""
	})
}

// ExpandEnvBytes is ExpandEnv for file contents.
func ExpandEnvBytes(input []byte) []byte {
	return []byte(ExpandEnv(string(input)))
}

// MissingEnvVars lists variables referenced without a default that are
// unset or empty, in order of first appearance.
func MissingEnvVars(input string) []string {
	seen := make(map[string]bool)
	missing := make([]string, 0)

	for _, match := range envVarPattern.FindAllStringSubmatch(input, -1) {
		name := match[1]
		hasDefault := match[2] != ""
		if seen[name] || hasDefault {
			continue
		}
		seen[name] = true
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
