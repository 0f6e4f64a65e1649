// Package crypto provides field-level authenticated encryption for records
// held in the document store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the configured encryption key in bytes.
const KeySize = 32

// ErrDecryption is returned for any ciphertext that cannot be opened:
// bad encoding, unknown version, truncation, wrong key or tampering.
var ErrDecryption = errors.New("decryption failed")

// ErrKeySize is returned when a key is not KeySize bytes long.
var ErrKeySize = fmt.Errorf("encryption key must be %d bytes", KeySize)

// GenerateKey returns KeySize cryptographically secure random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// GenerateEncodedKey returns a new key in the base64 form accepted by ParseKey.
func GenerateEncodedKey() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey decodes a base64 key in any of the standard or URL alphabets, padded or not.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != KeySize {
				return nil, ErrKeySize
			}
			return key, nil
		}
	}
	return nil, errors.New("encryption key is not valid base64")
}

// DeriveKey derives a purpose-bound 32-byte key from master using HKDF-SHA256.
func DeriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// seal encrypts plaintext and returns nonce || ciphertext || tag.
func seal(gcm cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal.
func open(gcm cipher.AEAD, sealed, aad []byte) ([]byte, error) {
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
}
