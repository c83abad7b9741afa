// Package storage persists image assets and returns their public URLs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrInvalidConfig = errors.New("invalid storage config")

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	PublicRead    bool
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes assets to an S3-compatible bucket.
type S3Store struct {
	config S3Config
	client objectPutter
}

// NewS3Store validates config and builds a static-credentials client.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if config.Region == "" {
		return nil, fmt.Errorf("%w: s3 region is required", ErrInvalidConfig)
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("%w: s3 credentials are required", ErrInvalidConfig)
	}
	if config.PublicBaseURL == "" {
		return nil, fmt.Errorf("%w: s3 public base url is required", ErrInvalidConfig)
	}

	options := s3.Options{
		Region:       config.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
		UsePathStyle: config.UsePathStyle,
	}
	if config.Endpoint != "" {
		options.BaseEndpoint = aws.String(config.Endpoint)
	}
	return &S3Store{config: config, client: s3.New(options)}, nil
}

// Put uploads data under objectPath and returns its public URL.
func (store *S3Store) Put(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("no data to upload")
	}
	key, err := objectKey(store.config.Prefix, objectPath)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(store.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeOrDefault(contentType)),
	}
	if store.config.PublicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := store.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return strings.TrimRight(store.config.PublicBaseURL, "/") + "/" + key, nil
}

// Bucket names the bucket purchased assets are written to.
func (store *S3Store) Bucket() string {
	return store.config.Bucket
}

func objectKey(prefix string, objectPath string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(objectPath))
	if cleaned == "/" {
		return "", fmt.Errorf("%w: empty object path", ErrInvalidConfig)
	}
	return strings.TrimPrefix(path.Join(strings.Trim(prefix, "/"), cleaned), "/"), nil
}

func contentTypeOrDefault(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return "application/octet-stream"
	}
	return contentType
}
