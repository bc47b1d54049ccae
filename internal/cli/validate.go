package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lsm/vaultlink/internal/link"
)

// RunValidate validates a vault-link configuration file.
func RunValidate(args []string) error {
	if isHelp(args) {
		_, _ = fmt.Fprintln(stdout, "Usage: vaultctl validate [path]\n\nValidates a vault-link configuration file. The path defaults to $"+
			link.ConfigPathEnv+", then "+link.DefaultConfigPath+".")
		return nil
	}

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	path = link.ConfigPath(path)

	errs := validateLinkConfig(path)
	if len(errs) == 0 {
		_, _ = fmt.Fprintf(stdout, "%s is valid.\n", path)
		return nil
	}

	_, _ = fmt.Fprintf(stderr, "Found %d validation error(s):\n\n", len(errs))
	for _, ve := range errs {
		_, _ = fmt.Fprintf(stderr, "  %s\n    field: %s\n    error: %s\n\n", ve.File, ve.Field, ve.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(errs))
}

type validationError struct {
	File    string
	Field   string
	Message string
}

func validateLinkConfig(path string) []validationError {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return []validationError{{File: path, Field: "-", Message: fmt.Sprintf("read error: %v", err)}}
	}

	var cfg link.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "mapping values") || strings.Contains(errMsg, "did not find expected key") {
			hint := "\n\nHint: quote values that contain ':' such as URLs and durations.\n" +
				"Example: change `url: https://myvault.vault.azure.net` to `url: \"https://myvault.vault.azure.net\"`"
			return []validationError{{File: path, Field: "-", Message: fmt.Sprintf("YAML parse error: %v%s", err, hint)}}
		}
		return []validationError{{File: path, Field: "-", Message: fmt.Sprintf("YAML parse error: %v", err)}}
	}

	cfg.SetDefaults()
	var errs []validationError
	if err := cfg.Validate(); err != nil {
		for _, msg := range splitErrors(err) {
			errs = append(errs, validationError{File: path, Field: inferField(msg), Message: msg})
		}
	}
	return errs
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	var result []string
	for _, p := range strings.Split(err.Error(), "\n") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// inferField extracts the field name from a message such as
// `vault[0] "kv": url is required`.
func inferField(msg string) string {
	if idx := strings.Index(msg, ": "); idx > 0 && strings.Contains(msg[:idx], "[") {
		if parts := strings.Fields(msg[idx+2:]); len(parts) > 0 {
			return parts[0]
		}
	}
	if parts := strings.Fields(msg); len(parts) > 0 {
		return parts[0]
	}
	return "-"
}
