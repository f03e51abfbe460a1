package s3

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", Config{Endpoint: "s3.example.com"}.endpointURL())
	assert.Equal(t, "http://minio:9000", Config{Endpoint: "minio:9000", DisableTLS: true}.endpointURL())
	assert.Equal(t, "http://minio:9000", Config{Endpoint: "http://minio:9000"}.endpointURL())
}

func TestNewRequiresEndpointAndCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{AccessKey: "a", SecretKey: "b"})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{Endpoint: "minio:9000", AccessKey: "a"})
	assert.Error(t, err)

	c, err := New(context.Background(), Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Error(t, c.Put(context.Background(), Object{Key: "k"}))
}

func TestPutInputCarriesChecksumAndMetadata(t *testing.T) {
	body := []byte("fleet status")
	in := putInput(Object{
		Bucket:          "status",
		Key:             "prod/status.txt.zst",
		Body:            body,
		ContentType:     "text/plain",
		ContentEncoding: "zstd",
		Metadata:        map[string]string{"generated-at": "2026-03-01T12:00:00Z", "sha256": "spoofed"},
	})

	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), in.Metadata["sha256"])
	assert.Equal(t, "2026-03-01T12:00:00Z", in.Metadata["generated-at"])
	assert.Equal(t, int64(len(body)), aws.ToInt64(in.ContentLength))
	assert.Equal(t, "zstd", aws.ToString(in.ContentEncoding))
	assert.Equal(t, "prod/status.txt.zst", aws.ToString(in.Key))
	assert.NotEmpty(t, aws.ToString(in.ChecksumSHA256))
}

func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetauth test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestNewHonoursCustomCABundle(t *testing.T) {
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))

	c, err := New(context.Background(), Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
