package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

const (
	keyFileName    = ".key"
	keySize        = 32 // 256-bit AES key
	keyringService = "cueaside"
	keyringItem    = "db-key"
)

// FileKeyProvider implements domain.KeyProvider using a local file
// stored with 0600 permissions next to the database.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// GetKey reads the encryption key from the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeKey(encoded)
}

// StoreKey writes the encryption key to the key file with restricted permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	dir := filepath.Dir(p.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(p.keyPath, encodeKey(key), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// KeyringKeyProvider implements domain.KeyProvider on the OS credential store
// (macOS Keychain, Secret Service, pass, or an encrypted file).
type KeyringKeyProvider struct {
	ring keyring.Keyring
}

// NewKeyringKeyProvider opens the OS keyring for the cueaside service.
func NewKeyringKeyProvider(dataDir string) (*KeyringKeyProvider, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
		FileDir:                  filepath.Join(dataDir, "keyring"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringKeyProviderWithRing(ring), nil
}

// NewKeyringKeyProviderWithRing wraps an existing keyring (for testing).
func NewKeyringKeyProviderWithRing(ring keyring.Keyring) *KeyringKeyProvider {
	return &KeyringKeyProvider{ring: ring}
}

// GetKey reads the encryption key from the keyring.
func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	item, err := p.ring.Get(keyringItem)
	if err != nil {
		return nil, fmt.Errorf("failed to read key from keyring: %w", err)
	}
	return decodeKey(item.Data)
}

// StoreKey writes the encryption key to the keyring.
func (p *KeyringKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	err := p.ring.Set(keyring.Item{
		Key:         keyringItem,
		Data:        encodeKey(key),
		Label:       "CueAside database key",
		Description: "Encryption key for the CueAside routine database",
	})
	if err != nil {
		return fmt.Errorf("failed to write key to keyring: %w", err)
	}
	return nil
}

// KeyExists checks if the keyring holds a key.
func (p *KeyringKeyProvider) KeyExists() bool {
	_, err := p.ring.Get(keyringItem)
	return err == nil
}

// NewKeyProvider picks the key source. With useKeyring the OS keyring is preferred;
// an existing key file always wins so databases created without the keyring stay readable.
func NewKeyProvider(dataDir string, useKeyring bool, logger *zap.Logger) domain.KeyProvider {
	file := NewFileKeyProvider(dataDir)
	if !useKeyring || file.KeyExists() {
		return file
	}
	ring, err := NewKeyringKeyProvider(dataDir)
	if err != nil {
		logger.Warn("keyring unavailable, using key file", zap.Error(err))
		return file
	}
	return ring
}

// GenerateKey creates a new random 256-bit encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey generates and stores a key if one doesn't exist.
// Returns the key (existing or newly generated).
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func encodeKey(key []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(key))
}

func decodeKey(encoded []byte) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

var errKeySize = errors.New("invalid key size")

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("%w: got %d, want %d", errKeySize, len(key), keySize)
	}
	return nil
}

// Ensure both providers implement domain.KeyProvider.
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
var _ domain.KeyProvider = (*KeyringKeyProvider)(nil)
