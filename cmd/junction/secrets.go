package main

import (
	"context"

	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/vault"
)

// loadCredentialService resolves the master key from the configured
// source and builds the credential keyring. Every DB-backed command
// needs it: even read paths decrypt stored credentials.
func loadCredentialService(ctx context.Context, cfg config.Config) (*vault.Service, error) {
	material, err := vault.ResolveKeyMaterial(ctx, vault.KeySourceConfig{
		Source:          cfg.CredentialKeySource,
		KeyVersion:      cfg.CredentialKeyVersion,
		MasterKey:       cfg.CredentialMasterKey,
		PreviousKeys:    cfg.CredentialPreviousKeys,
		MasterKeyFile:   cfg.CredentialMasterKeyFile,
		VaultAddr:       cfg.VaultAddr,
		VaultToken:      cfg.VaultToken,
		VaultSecretPath: cfg.VaultSecretPath,
		AWSSecretID:     cfg.AWSSecretID,
		AWSRegion:       cfg.AWSRegion,
	})
	if err != nil {
		return nil, err
	}
	return vault.NewService(material, 0, cfg.CredentialRotationInterval)
}
