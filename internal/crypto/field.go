package crypto

import (
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	envelopeV1 byte = 0x01
	keyInfo         = "citaguard-field-v1"
)

// DecryptionFailedValue replaces a field that could not be decrypted.
const DecryptionFailedValue = "[ENCRYPTED]"

// FieldCipher encrypts individual string fields with AES-256-GCM.
//
// Ciphertext layout is base64url(version || nonce || sealed), with the version
// byte bound into the GCM additional data. A FieldCipher is immutable and safe
// for concurrent use.
type FieldCipher struct {
	gcm       cipher.AEAD
	ephemeral bool
}

// NewFieldCipher builds a cipher from a 32-byte master key.
func NewFieldCipher(master []byte) (*FieldCipher, error) {
	if len(master) != KeySize {
		return nil, ErrKeySize
	}
	key, err := DeriveKey(master, keyInfo)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{gcm: gcm}, nil
}

// NewFieldCipherFromConfig builds a cipher from a base64 key. An empty key
// yields a random per-process key; data written with it is unreadable after restart.
func NewFieldCipherFromConfig(encoded string) (*FieldCipher, error) {
	if encoded == "" {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		fc, err := NewFieldCipher(key)
		if err != nil {
			return nil, err
		}
		fc.ephemeral = true
		log.Warn().Msg("no encryption key configured, using an ephemeral key: INSECURE, encrypted data will not survive a restart")
		return fc, nil
	}
	key, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewFieldCipher(key)
}

// IsEphemeral reports whether the cipher runs on a generated key.
func (c *FieldCipher) IsEphemeral() bool { return c.ephemeral }

// Encrypt returns the envelope for plaintext. The empty string maps to itself.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aad := []byte{envelopeV1}
	sealed, err := seal(c.gcm, []byte(plaintext), aad)
	if err != nil {
		return "", fmt.Errorf("encrypting field: %w", err)
	}
	out := make([]byte, 0, 1+len(sealed))
	out = append(out, envelopeV1)
	out = append(out, sealed...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure wraps ErrDecryption.
func (c *FieldCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecryption)
	}
	if len(raw) < 1 || raw[0] != envelopeV1 {
		return "", fmt.Errorf("%w: unknown envelope version", ErrDecryption)
	}
	plaintext, err := open(c.gcm, raw[1:], raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// EncryptFields returns a shallow copy of record with each listed, non-empty
// field replaced by its ciphertext, and the field names recorded under
// models.EncryptedFieldsKey. Ciphertext only carries strings: a non-string
// value is encrypted in its fmt.Sprint form and DecryptFields returns it as a
// string (5 comes back as "5"), so round trips are exact for string fields only.
// On error nothing is returned, so plaintext never reaches the caller's writer by accident.
func (c *FieldCipher) EncryptFields(record models.Document, fields []string) (models.Document, error) {
	out := make(models.Document, len(record)+1)
	for k, v := range record {
		out[k] = v
	}

	marked := markerFields(record[models.EncryptedFieldsKey])
	seen := make(map[string]bool, len(marked))
	for _, f := range marked {
		seen[f] = true
	}

	for _, f := range fields {
		v, ok := record[f]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if s == "" {
			continue
		}
		ct, err := c.Encrypt(s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		out[f] = ct
		if !seen[f] {
			seen[f] = true
			marked = append(marked, f)
		}
	}

	if len(marked) > 0 {
		out[models.EncryptedFieldsKey] = marked
	}
	return out, nil
}

// DecryptFields returns a shallow copy of record with the given fields
// decrypted, or the fields named by the record's marker when none are given.
// A field that fails to decrypt becomes DecryptionFailedValue; other fields
// are unaffected. The marker is removed from the result.
func (c *FieldCipher) DecryptFields(record models.Document, fields ...string) models.Document {
	out := make(models.Document, len(record))
	for k, v := range record {
		out[k] = v
	}
	if len(fields) == 0 {
		fields = markerFields(record[models.EncryptedFieldsKey])
	}
	delete(out, models.EncryptedFieldsKey)

	for _, f := range fields {
		s, ok := record[f].(string)
		if !ok || s == "" {
			continue
		}
		pt, err := c.Decrypt(s)
		if err != nil {
			if errors.Is(err, ErrDecryption) {
				decryptFailures.Inc()
			}
			log.Error().Err(err).Str("field", f).Msg("field decryption failed")
			out[f] = DecryptionFailedValue
			continue
		}
		out[f] = pt
	}
	return out
}

// markerFields reads the encrypted-fields marker in whatever slice form the
// store returned it.
func markerFields(v any) []string {
	switch m := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), m...)
	case []any:
		out := make([]string, 0, len(m))
		for _, e := range m {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		if s, ok := rv.Index(i).Interface().(string); ok {
			out = append(out, s)
		}
	}
	return out
}
