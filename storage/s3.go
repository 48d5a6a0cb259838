package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"rental_dedupe/config"
)

// S3Mirror copies listing photos into S3-compatible storage so evidence
// survives the source deleting its CDN copy.
type S3Mirror struct {
	client *s3.Client
	bucket string
	cfg    config.S3Config
}

func NewS3Mirror(ctx context.Context, cfg config.S3Config) (*S3Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Mirror{client: client, bucket: cfg.Bucket, cfg: cfg}, nil
}

// Put stores data under its content-addressed key and returns the key
func (m *S3Mirror) Put(ctx context.Context, sourceURL string, data []byte, contentType string) (string, error) {
	key := ImageKey(sourceURL, data, contentType)
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// PublicURL returns the public URL for a key
func (m *S3Mirror) PublicURL(key string) string {
	if m.cfg.Endpoint != "" {
		return strings.TrimSuffix(m.cfg.Endpoint, "/") + "/" + m.bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.bucket, m.cfg.Region, key)
}

// ImageKey builds images/{hash prefix}/{sha256}{ext}; identical bytes from
// different listings land on the same object.
func ImageKey(sourceURL string, data []byte, contentType string) string {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	return fmt.Sprintf("images/%s/%s%s", hash[:2], hash, imageExtension(sourceURL, contentType))
}

func imageExtension(sourceURL, contentType string) string {
	if i := strings.IndexAny(sourceURL, "?#"); i >= 0 {
		sourceURL = sourceURL[:i]
	}
	switch ext := strings.ToLower(path.Ext(sourceURL)); ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	}

	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".jpg"
}
