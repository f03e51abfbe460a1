// Package envelope wraps secrets at rest with a versioned secret-box encoding.
//
// Encrypted values look like "sbx1:" followed by base64(nonce || box). The
// prefix lets migrations tell encrypted rows apart from legacy plaintext.
package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// Prefix tags every value produced by Encrypt.
	Prefix = "sbx1:"

	KeySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey = errors.New("envelope: key must be 32 bytes")
	ErrDecrypt    = errors.New("envelope: decryption failed")
)

// Cipher holds the process-wide master key. It is safe for concurrent use.
type Cipher struct {
	key [KeySize]byte
}

// New returns a Cipher for the provided 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	c := &Cipher{}
	copy(c.key[:], key)
	return c, nil
}

// IsEncrypted reports whether value carries the envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return "", errors.New("envelope: nil cipher")
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix are
// returned unchanged so rows written before migration stay readable.
func (c *Cipher) Decrypt(value string) (string, error) {
	if c == nil {
		return "", errors.New("envelope: nil cipher")
	}
	if !IsEncrypted(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}

// ParseKey accepts a 32-byte key encoded as standard base64, raw URL base64 or hex.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}
	if len(raw) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(raw)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// LoadAgeWrappedKey decrypts keyFile with the X25519 identities in
// identityFile and parses the result with ParseKey. The key file may be
// binary or ASCII armored.
func LoadAgeWrappedKey(keyFile, identityFile string) ([]byte, error) {
	idFile, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer idFile.Close()

	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var src io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header)) {
		src = armor.NewReader(bytes.NewReader(data))
	}

	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt key file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read wrapped key: %w", err)
	}
	if len(plain) == KeySize {
		return plain, nil
	}
	return ParseKey(string(plain))
}
