// Package credential resolves account passwords stored outside the account file.
package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "smtp-gee"

// KeyringPrefix marks a password value that names a keyring item
const KeyringPrefix = "keyring:"

// Opener opens the keyring used by Resolve. Tests replace it.
var Opener = openKeyring

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/smtp-gee/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("smtp-gee-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolve returns value unchanged unless it starts with "keyring:", in which
// case the rest of the value is looked up as an item key in the system keyring.
func Resolve(value string) (string, error) {
	key, ok := strings.CutPrefix(value, KeyringPrefix)
	if !ok {
		return value, nil
	}
	if key == "" {
		return "", fmt.Errorf("empty keyring key")
	}

	ring, err := Opener()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Store saves secret under key in the system keyring
func Store(key, secret string) error {
	ring, err := Opener()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(secret),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}
