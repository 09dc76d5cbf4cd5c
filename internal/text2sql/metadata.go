package text2sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

// ErrMetadataUnavailable is returned when table metadata cannot be loaded.
var ErrMetadataUnavailable = errors.New("table metadata unavailable")

// MetadataSource loads the table descriptions given to the model.
type MetadataSource interface {
	Metadata(ctx context.Context) (string, error)
}

// S3GetObjectAPI is the subset of the S3 client used here.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Metadata reads a JSON or YAML metadata document from S3 and caches it.
type S3Metadata struct {
	api    S3GetObjectAPI
	bucket string
	key    string
	ttl    time.Duration

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// NewS3Metadata creates a metadata source for s3://bucket/key.
func NewS3Metadata(api S3GetObjectAPI, bucket, key string) *S3Metadata {
	return &S3Metadata{api: api, bucket: bucket, key: key, ttl: 5 * time.Minute}
}

// Metadata returns the document re-rendered as YAML.
func (m *S3Metadata) Metadata(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != "" && time.Since(m.fetchedAt) < m.ttl {
		return m.cached, nil
	}

	out, err := m.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", fmt.Errorf("%w: s3://%s/%s does not exist", ErrMetadataUnavailable, m.bucket, m.key)
		}
		return "", fmt.Errorf("%w: get s3://%s/%s: %w", ErrMetadataUnavailable, m.bucket, m.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read metadata: %w", ErrMetadataUnavailable, err)
	}

	rendered, err := RenderMetadata(data)
	if err != nil {
		return "", err
	}
	m.cached = rendered
	m.fetchedAt = time.Now()
	return rendered, nil
}

// RenderMetadata parses a JSON or YAML document and renders it as YAML.
func RenderMetadata(data []byte) (string, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// Minified JSON with tabs inside strings is not valid YAML.
		if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
			return "", fmt.Errorf("%w: parse metadata: %w", ErrMetadataUnavailable, err)
		}
	}
	if doc == nil {
		return "", fmt.Errorf("%w: metadata document is empty", ErrMetadataUnavailable)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: render metadata: %w", ErrMetadataUnavailable, err)
	}
	return string(out), nil
}

// StaticMetadata serves a fixed document.
type StaticMetadata string

// Metadata returns the document.
func (s StaticMetadata) Metadata(context.Context) (string, error) {
	if s == "" {
		return "", ErrMetadataUnavailable
	}
	return string(s), nil
}
