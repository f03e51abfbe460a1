package statusexport

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const ageSecretHRP = "age-secret-key-"

// Signer seals status manifests. The Ed25519 key is derived from the seed of
// an age X25519 identity, so operators manage one AGE-SECRET-KEY-1... string.
type Signer struct {
	key       ed25519.PrivateKey
	recipient string
}

// NewSigner parses an age secret key.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing key is empty")
	}
	identity, err := age.ParseX25519Identity(secret)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, fmt.Errorf("signing key has prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("convert signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed is %d bytes", len(seed))
	}
	return &Signer{
		key:       ed25519.NewKeyFromSeed(seed),
		recipient: identity.Recipient().String(),
	}, nil
}

// Seal stamps m with the signer identity and a signature over the rest of
// the manifest.
func (s *Signer) Seal(m *Manifest) error {
	if s == nil {
		return nil
	}
	m.Signer = s.recipient
	m.SigningPublicKey = s.PublicKey()
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload))
	return nil
}

// PublicKey is the base64 Ed25519 verification key.
func (s *Signer) PublicKey() string {
	if s == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Recipient is the age recipient of the identity.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

// VerifyManifest checks the signature of m. With a non-empty trusted key the
// manifest must have been sealed by that key; otherwise the embedded key is
// used and only integrity is proven.
func VerifyManifest(m Manifest, trusted string) error {
	if m.Signature == "" {
		return errors.New("manifest is not signed")
	}
	keyText := m.SigningPublicKey
	if trusted != "" {
		if trusted != m.SigningPublicKey {
			return errors.New("manifest signed by unexpected key")
		}
		keyText = trusted
	}
	key, err := base64.StdEncoding.DecodeString(keyText)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return errors.New("manifest carries an invalid public key")
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return errors.New("manifest carries an invalid signature")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(key), payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
