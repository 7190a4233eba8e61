// Package vault encrypts broker credentials for storage at rest.
//
// Each blob is self-contained: the key-derivation salt, the GCM nonce and the
// authentication tag travel with the ciphertext, so decryption needs nothing
// but the configured secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength  = 64
	nonceLength = 12
	tagLength   = 16
	keyLength   = 32
	kdfIters    = 100_000
)

var (
	// ErrInvalidCiphertext is returned when a blob cannot be parsed into
	// salt/nonce/tag/ciphertext segments of the expected lengths.
	ErrInvalidCiphertext = errors.New("vault: invalid ciphertext")
	// ErrAuthenticationFailed is returned when tag verification fails,
	// meaning the blob was tampered with or encrypted under another secret.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")
)

// Vault performs symmetric encryption and decryption of UTF-8 text.
type Vault struct {
	secret []byte
}

// New creates a Vault keyed by the configured secret.
func New(secret string) (*Vault, error) {
	if len(secret) < 32 {
		return nil, errors.New("vault: secret must be at least 32 characters")
	}
	return &Vault{secret: []byte(secret)}, nil
}

// deriveKey stretches the secret into an AES-256 key for the given salt.
func (v *Vault) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(v.secret, salt, kdfIters, keyLength, sha256.New)
}

// Encrypt seals plaintext under a freshly salted key and returns the
// base64-encoded blob salt|nonce|tag|ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	aead, err := newAEAD(v.deriveKey(salt))
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the tag; store it detached between nonce and ciphertext.
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	blob := make([]byte, 0, saltLength+nonceLength+tagLength+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. It fails with
// ErrInvalidCiphertext on malformed input and ErrAuthenticationFailed when
// the tag does not verify. It never returns wrong plaintext silently.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < saltLength+nonceLength+tagLength {
		return "", fmt.Errorf("%w: blob too short", ErrInvalidCiphertext)
	}

	salt := raw[:saltLength]
	nonce := raw[saltLength : saltLength+nonceLength]
	tag := raw[saltLength+nonceLength : saltLength+nonceLength+tagLength]
	ciphertext := raw[saltLength+nonceLength+tagLength:]

	aead, err := newAEAD(v.deriveKey(salt))
	if err != nil {
		return "", err
	}

	// Reattach the tag in the layout Open expects.
	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return aead, nil
}
