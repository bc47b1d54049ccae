// Package credential builds token acquirers for the credential types a vault
// can be configured with.
package credential

import (
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/lsm/vaultlink/internal/kvauth"
	"github.com/lsm/vaultlink/internal/link"
)

// anyTenant lets azidentity credentials follow the tenant a challenge names.
var anyTenant = []string{"*"}

// Build returns the acquirer described by cfg.
func Build(cfg link.CredentialConfig) (kvauth.TokenAcquirer, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)

	switch cfg.Type {
	case "", link.CredentialDefault:
		cred, err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID:                   cfg.TenantID,
			AdditionallyAllowedTenants: anyTenant,
		})
	case link.CredentialWorkload:
		cred, err = azidentity.NewWorkloadIdentityCredential(&azidentity.WorkloadIdentityCredentialOptions{
			ClientID:                   cfg.ClientID,
			TenantID:                   cfg.TenantID,
			TokenFilePath:              cfg.TokenFile,
			AdditionallyAllowedTenants: anyTenant,
		})
	case link.CredentialClientSecret:
		secret, serr := clientSecret(cfg)
		if serr != nil {
			return nil, serr
		}
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, secret,
			&azidentity.ClientSecretCredentialOptions{AdditionallyAllowedTenants: anyTenant})
	case link.CredentialManagedIdentity:
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		if cfg.ClientID != "" {
			opts.ID = azidentity.ClientID(cfg.ClientID)
		}
		cred, err = azidentity.NewManagedIdentityCredential(opts)
	case link.CredentialOIDC:
		acq, err := newOIDCAcquirer(cfg)
		if err != nil {
			return nil, err
		}
		return acq, nil
	case link.CredentialTokenFile:
		return NewFileAcquirer(cfg.TokenFile, cfg.LifetimeOr(defaultTokenLifetime)), nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s credential: %w", cfg.Type, err)
	}
	return kvauth.NewCredentialAcquirer(cred), nil
}

// clientSecret reads the inline secret or, when configured, the environment.
func clientSecret(cfg link.CredentialConfig) (string, error) {
	if cfg.ClientSecretEnv == "" {
		return cfg.ClientSecret, nil
	}
	secret := os.Getenv(cfg.ClientSecretEnv)
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", cfg.ClientSecretEnv)
	}
	return secret, nil
}
