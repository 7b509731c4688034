package vault

import (
	"crypto/rand"
	"fmt"
	"os"
)

// Keychain supplies the vault master key. Concrete OS keychain I/O lives
// outside the core; callers hand the vault whichever implementation fits
// the platform.
type Keychain interface {
	// MasterKey returns the 32-byte AES-256 key. Fetched once at startup.
	MasterKey() ([]byte, error)
}

// StaticKeychain wraps a fixed key. Used in tests and for externally
// provisioned keys.
type StaticKeychain struct {
	Key []byte
}

func (k StaticKeychain) MasterKey() ([]byte, error) {
	if len(k.Key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(k.Key))
	}
	return k.Key, nil
}

// FileKeychain stores the master key in a 0600 file, generating it on
// first use. A stand-in where no OS keychain integration is wired.
type FileKeychain struct {
	Path string
}

func (k FileKeychain) MasterKey() ([]byte, error) {
	data, err := os.ReadFile(k.Path)
	if err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("key file %s: expected 32 bytes, got %d", k.Path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(k.Path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
