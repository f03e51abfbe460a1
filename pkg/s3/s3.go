// Package s3 uploads status snapshots to AWS S3 or a compatible store such
// as MinIO or SeaweedFS.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const uploadTimeout = 30 * time.Second

// Config is read from the S3_* variables.
type Config struct {
	Endpoint       string `env:"ENDPOINT"`
	Region         string `env:"REGION, default=us-east-1"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	DisableTLS     bool   `env:"DISABLE_TLS"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE, default=true"`
}

// endpointURL adds a scheme to a bare host:port.
func (c Config) endpointURL() string {
	endpoint := strings.TrimSpace(c.Endpoint)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if c.DisableTLS {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// Client puts objects into one store.
type Client struct {
	api *s3.Client
}

// Object is a single upload.
type Object struct {
	Bucket          string
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// New builds a Client with static credentials.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(uploadTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.endpointURL()
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Client{api: api}, nil
}

// Put uploads obj with a SHA-256 checksum the server verifies. The hex digest
// is also stored as object metadata.
func (c *Client) Put(ctx context.Context, obj Object) error {
	if c == nil {
		return errors.New("nil client")
	}
	if obj.Bucket == "" || obj.Key == "" {
		return errors.New("bucket and key are required")
	}
	in := putInput(obj)
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", obj.Bucket, obj.Key, err)
	}
	return nil
}

func putInput(obj Object) *s3.PutObjectInput {
	sum := sha256.Sum256(obj.Body)
	metadata := make(map[string]string, len(obj.Metadata)+1)
	for k, v := range obj.Metadata {
		metadata[k] = v
	}
	metadata["sha256"] = hex.EncodeToString(sum[:])

	in := &s3.PutObjectInput{
		Bucket:            aws.String(obj.Bucket),
		Key:               aws.String(obj.Key),
		Body:              bytes.NewReader(obj.Body),
		ContentLength:     aws.Int64(int64(len(obj.Body))),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata:          metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		in.ContentEncoding = aws.String(obj.ContentEncoding)
	}
	return in
}
