package statusexport

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is written next to the snapshot files as status.yaml.
type Manifest struct {
	Version          string         `yaml:"version"`
	GeneratedAt      time.Time      `yaml:"generated_at"`
	CanonicalDigest  string         `yaml:"canonical_digest,omitempty"`
	Hosts            int            `yaml:"hosts"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// ManifestFile describes one exported file.
type ManifestFile struct {
	Name   string `yaml:"name"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
