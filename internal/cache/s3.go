package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"taskcache/internal/config"
	"taskcache/internal/keys"
)

const (
	metaInputKey  = "input-key"
	metaCreatedAt = "created-at"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Backend stores each entry as one object; the input key and creation time
// travel as object metadata.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
}

func NewS3Backend(client s3API, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.ReplaceAll(prefix, ":", "/"), "/"),
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) objectKey(key string) string {
	fp := keys.Fingerprint(key)
	if b.prefix == "" {
		return fp
	}
	return b.prefix + "/" + fp
}

func (b *S3Backend) Get(ctx context.Context, key string) (Entry, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	if stored := out.Metadata[metaInputKey]; stored != "" && stored != key {
		return Entry{}, false, nil
	}
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, false, fmt.Errorf("read object: %w", err)
	}
	e := Entry{Key: key, Value: body}
	if raw := out.Metadata[metaCreatedAt]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.CreatedAt = ts
		}
	}
	return e, true, nil
}

func (b *S3Backend) Put(ctx context.Context, e Entry) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(e.Key)),
		Body:        bytes.NewReader(e.Value),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaInputKey:  e.Key,
			metaCreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
