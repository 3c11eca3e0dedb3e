package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrKeyNotFound = errors.New("encryption key not found")

// EnvKeyPrefix names the master key variables: MASTER_ENCRYPTION_KEY, MASTER_ENCRYPTION_KEY_V2, ...
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

// Keyring holds every loaded key version and seals with the newest one.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*sealer
}

// NewKeyring builds a keyring from base64 keys indexed by version.
func NewKeyring(keys map[int]string) (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*sealer)}
	for v, encoded := range keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", v, err)
		}
		s, err := newSealer(raw, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		kr.sealers[v] = s
		if v > kr.current {
			kr.current = v
		}
	}
	if len(kr.sealers) == 0 {
		return nil, ErrKeyNotFound
	}
	return kr, nil
}

// KeyringFromEnv loads version 1 (required) and versions 2..10 (optional).
func KeyringFromEnv() (*Keyring, error) {
	keys := map[int]string{}
	if v := os.Getenv(EnvKeyPrefix); v != "" {
		keys[1] = v
	} else {
		return nil, fmt.Errorf("%s: %w", EnvKeyPrefix, ErrKeyNotFound)
	}
	for v := 2; v <= 10; v++ {
		if s := os.Getenv(fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)); s != "" {
			keys[v] = s
		}
	}
	return NewKeyring(keys)
}

// Seal encrypts plaintext with the current key. Empty input stays empty.
func (k *Keyring) Seal(plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	k.mu.RLock()
	s := k.sealers[k.current]
	k.mu.RUnlock()
	return s.seal(plaintext, aad)
}

// Open decrypts a sealed value with the key version it names.
func (k *Keyring) Open(sealed, aad string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	v := ParseVersion(sealed)
	if v == 0 {
		return "", ErrInvalidCiphertext
	}
	k.mu.RLock()
	s, ok := k.sealers[v]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", v)
	}
	return s.open(sealed, aad)
}

// Reseal moves a value to the current key version.
func (k *Keyring) Reseal(sealed, aad string) (string, error) {
	plain, err := k.Open(sealed, aad)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return k.Seal(plain, aad)
}

// CurrentVersion returns the version new values are sealed with.
func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
