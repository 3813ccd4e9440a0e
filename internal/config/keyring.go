package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "lightning-import"
	keyringUser    = "api-secret"
)

// SecretFromKeyring loads the API secret from the system keychain.
func SecretFromKeyring() (string, error) {
	secret, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no API secret stored in keyring")
		}
		return "", fmt.Errorf("keyring read failed: %w", err)
	}
	return secret, nil
}

// StoreSecret saves the API secret in the system keychain so it does not
// have to live in config files or environment variables.
func StoreSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store an empty secret")
	}
	if err := keyring.Set(keyringService, keyringUser, secret); err != nil {
		return fmt.Errorf("keyring write failed: %w", err)
	}
	return nil
}

// DeleteSecret removes the stored API secret from the keychain.
// Useful for testing or reset scenarios.
func DeleteSecret() error {
	return keyring.Delete(keyringService, keyringUser)
}

// HasStoredSecret checks if an API secret exists in the keychain.
func HasStoredSecret() bool {
	_, err := keyring.Get(keyringService, keyringUser)
	return err == nil
}
