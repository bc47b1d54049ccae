package link

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigPathEnv overrides the default config location.
	ConfigPathEnv = "VAULT_LINK_CONFIG"
	// DefaultConfigPath is used when neither a flag nor ConfigPathEnv is set.
	DefaultConfigPath = "/etc/vault-link/config.yaml"
)

// Credential types.
const (
	CredentialDefault         = "default"
	CredentialWorkload        = "workload"
	CredentialClientSecret    = "clientSecret"
	CredentialManagedIdentity = "managedIdentity"
	CredentialOIDC            = "oidc"
	CredentialTokenFile       = "tokenFile"
)

var validCredentialTypes = map[string]bool{
	CredentialDefault:         true,
	CredentialWorkload:        true,
	CredentialClientSecret:    true,
	CredentialManagedIdentity: true,
	CredentialOIDC:            true,
	CredentialTokenFile:       true,
}

// VaultConfig defines one vault reachable through the link.
type VaultConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// VerifyChallengeResource defaults to true when omitted.
	VerifyChallengeResource *bool                `yaml:"verifyChallengeResource"`
	InsecureAllowHTTP       bool                 `yaml:"insecureAllowHTTP"`
	Credential              CredentialConfig     `yaml:"credential"`
	Retry                   RetryConfig          `yaml:"retry"`
	RateLimit               RateLimitConfig      `yaml:"rateLimit"`
	CircuitBreaker          CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// VerifiesChallengeResource reports whether challenge scopes must match the
// vault's domain.
func (v *VaultConfig) VerifiesChallengeResource() bool {
	return v.VerifyChallengeResource == nil || *v.VerifyChallengeResource
}

// CredentialConfig selects how tokens are obtained for a vault.
type CredentialConfig struct {
	Type            string `yaml:"type"`
	TenantID        string `yaml:"tenantID"`
	ClientID        string `yaml:"clientID"`
	ClientSecret    string `yaml:"clientSecret"`
	ClientSecretEnv string `yaml:"clientSecretEnv"`
	// TokenFile is the federated token for workload credentials and the bearer
	// token itself for tokenFile credentials.
	TokenFile string `yaml:"tokenFile"`
	// TokenURL may contain a {tenant} placeholder, filled from the challenge.
	TokenURL string `yaml:"tokenURL"`
	// Lifetime of a tokenFile token, measured from the file's mtime.
	Lifetime string `yaml:"lifetime"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold int    `yaml:"failureThreshold"`
	SuccessThreshold int    `yaml:"successThreshold"`
	ResetTimeout     string `yaml:"resetTimeout"` // e.g., "30s"
}

// UnmarshalYAML accepts resetTimeout as a duration string or as milliseconds.
func (c *CircuitBreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]interface{}
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode circuitBreaker: %w", err)
	}

	*c = CircuitBreakerConfig{}
	if v, ok := raw["enabled"].(bool); ok {
		c.Enabled = v
	}
	c.FailureThreshold = intField(raw, "failureThreshold")
	c.SuccessThreshold = intField(raw, "successThreshold")
	c.ResetTimeout = durationField(raw, "resetTimeout")
	return nil
}

// RetryConfig maps onto the pipeline's retry policy.
type RetryConfig struct {
	MaxRetries    int    `yaml:"maxRetries"`
	RetryDelay    string `yaml:"retryDelay"`
	MaxRetryDelay string `yaml:"maxRetryDelay"`
	TryTimeout    string `yaml:"tryTimeout"`
}

// UnmarshalYAML accepts duration fields as strings or as milliseconds.
func (r *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]interface{}
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode retry: %w", err)
	}

	*r = RetryConfig{}
	r.MaxRetries = intField(raw, "maxRetries")
	r.RetryDelay = durationField(raw, "retryDelay")
	r.MaxRetryDelay = durationField(raw, "maxRetryDelay")
	r.TryTimeout = durationField(raw, "tryTimeout")
	return nil
}

// Options converts the config into azcore retry options. A zero MaxRetries
// keeps the azcore default; use a negative value to disable retries.
func (r RetryConfig) Options() policy.RetryOptions {
	return policy.RetryOptions{
		MaxRetries:    int32(r.MaxRetries),
		RetryDelay:    parseDurationOr(r.RetryDelay, 0),
		MaxRetryDelay: parseDurationOr(r.MaxRetryDelay, 0),
		TryTimeout:    parseDurationOr(r.TryTimeout, 0),
	}
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// UnmarshalYAML implements custom unmarshaling for RateLimitConfig.
func (r *RateLimitConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]interface{}
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode rateLimit: %w", err)
	}

	*r = RateLimitConfig{}
	switch tv := raw["requestsPerSecond"].(type) {
	case int:
		r.RequestsPerSecond = float64(tv)
	case float64:
		r.RequestsPerSecond = tv
	}
	r.Burst = intField(raw, "burst")
	return nil
}

func intField(raw map[string]interface{}, key string) int {
	switch tv := raw[key].(type) {
	case int:
		return tv
	case float64:
		return int(tv)
	}
	return 0
}

func durationField(raw map[string]interface{}, key string) string {
	switch tv := raw[key].(type) {
	case string:
		return tv
	case int:
		return fmt.Sprintf("%dms", tv)
	case float64:
		return fmt.Sprintf("%.0fms", tv)
	}
	return ""
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ResetTimeoutOr returns the configured reset timeout or def.
func (c CircuitBreakerConfig) ResetTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(c.ResetTimeout, def)
}

// LifetimeOr returns the configured token lifetime or def.
func (c CredentialConfig) LifetimeOr(def time.Duration) time.Duration {
	return parseDurationOr(c.Lifetime, def)
}

// Config is the top-level vault-link configuration.
type Config struct {
	ListenAddr  string        `yaml:"listenAddr"`
	MetricsAddr string        `yaml:"metricsAddr"`
	Vaults      []VaultConfig `yaml:"vaults"`
}

// ConfigPath resolves the config location from a flag value, ConfigPathEnv,
// and DefaultConfigPath, in that order.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig reads vault-link configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	return &cfg, nil
}

// SetDefaults fills in listen addresses and credential types left empty.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:3600"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	for i := range c.Vaults {
		if c.Vaults[i].Credential.Type == "" {
			c.Vaults[i].Credential.Type = CredentialDefault
		}
	}
}

// Validate checks the Config for configuration errors.
// Returns all errors found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Vaults))

	for i, v := range c.Vaults {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("vault[%d]: name is required", i))
			continue
		}
		prefix := fmt.Sprintf("vault[%d] %q", i, v.Name)
		if seen[v.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", prefix))
		}
		seen[v.Name] = true

		u, err := url.Parse(v.URL)
		switch {
		case v.URL == "":
			errs = append(errs, fmt.Errorf("%s: url is required", prefix))
		case err != nil || u.Host == "":
			errs = append(errs, fmt.Errorf("%s: url %q is not a valid absolute URL", prefix, v.URL))
		case u.Scheme == "http" && !v.InsecureAllowHTTP:
			errs = append(errs, fmt.Errorf("%s: url %q uses http; set insecureAllowHTTP to allow it", prefix, v.URL))
		case u.Scheme != "https" && u.Scheme != "http":
			errs = append(errs, fmt.Errorf("%s: url scheme %q is not supported", prefix, u.Scheme))
		}

		errs = append(errs, v.Credential.validate(prefix)...)

		if v.CircuitBreaker.ResetTimeout != "" {
			if _, err := time.ParseDuration(v.CircuitBreaker.ResetTimeout); err != nil {
				errs = append(errs, fmt.Errorf("%s: circuitBreaker.resetTimeout %q is not a valid duration", prefix, v.CircuitBreaker.ResetTimeout))
			}
		}
		if v.CircuitBreaker.FailureThreshold < 0 || v.CircuitBreaker.SuccessThreshold < 0 {
			errs = append(errs, fmt.Errorf("%s: circuitBreaker thresholds must be >= 0", prefix))
		}
		for field, val := range map[string]string{
			"retryDelay":    v.Retry.RetryDelay,
			"maxRetryDelay": v.Retry.MaxRetryDelay,
			"tryTimeout":    v.Retry.TryTimeout,
		} {
			if val == "" {
				continue
			}
			if _, err := time.ParseDuration(val); err != nil {
				errs = append(errs, fmt.Errorf("%s: retry.%s %q is not a valid duration", prefix, field, val))
			}
		}
		if v.RateLimit.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%s: rateLimit.requestsPerSecond must be >= 0", prefix))
		}
		if v.RateLimit.Burst < 0 {
			errs = append(errs, fmt.Errorf("%s: rateLimit.burst must be >= 0", prefix))
		}
	}

	return errors.Join(errs...)
}

func (c CredentialConfig) validate(prefix string) []error {
	var errs []error
	if !validCredentialTypes[c.Type] {
		return []error{fmt.Errorf("%s: credential.type %q is not valid (must be one of: default, workload, clientSecret, managedIdentity, oidc, tokenFile)", prefix, c.Type)}
	}

	switch c.Type {
	case CredentialWorkload:
		if c.ClientID == "" || c.TenantID == "" || c.TokenFile == "" {
			errs = append(errs, fmt.Errorf("%s: workload credential requires clientID, tenantID and tokenFile", prefix))
		}
	case CredentialClientSecret:
		if c.ClientID == "" || c.TenantID == "" {
			errs = append(errs, fmt.Errorf("%s: clientSecret credential requires clientID and tenantID", prefix))
		}
		if (c.ClientSecret == "") == (c.ClientSecretEnv == "") {
			errs = append(errs, fmt.Errorf("%s: clientSecret credential requires exactly one of clientSecret or clientSecretEnv", prefix))
		}
	case CredentialOIDC:
		if c.ClientID == "" || c.TokenURL == "" {
			errs = append(errs, fmt.Errorf("%s: oidc credential requires clientID and tokenURL", prefix))
		}
		if c.ClientSecret != "" && c.ClientSecretEnv != "" {
			errs = append(errs, fmt.Errorf("%s: oidc credential accepts only one of clientSecret or clientSecretEnv", prefix))
		}
	case CredentialTokenFile:
		if c.TokenFile == "" {
			errs = append(errs, fmt.Errorf("%s: tokenFile credential requires tokenFile", prefix))
		}
	}
	if c.Lifetime != "" {
		if _, err := time.ParseDuration(c.Lifetime); err != nil {
			errs = append(errs, fmt.Errorf("%s: credential.lifetime %q is not a valid duration", prefix, c.Lifetime))
		}
	}
	return errs
}
