// Package crypto seals stored exchange credentials with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32

	sealedPrefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

type sealer struct {
	aead    cipher.AEAD
	version int
}

func newSealer(key []byte, version int) (*sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{aead: aead, version: version}, nil
}

// seal returns ENC[vN]:base64(nonce|ciphertext). aad binds the value to its owner.
func (s *sealer) seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return fmt.Sprintf("%s%d]:%s", sealedPrefix, s.version, base64.StdEncoding.EncodeToString(out)), nil
}

func (s *sealer) open(sealed, aad string) (string, error) {
	i := strings.Index(sealed, "]:")
	if i < 0 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(sealed[i+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// ParseVersion extracts the key version of a sealed value; 0 if malformed.
func ParseVersion(sealed string) int {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
