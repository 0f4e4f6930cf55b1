package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client used by S3BlobStore.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configures the S3 backend. Endpoint is set for S3-compatible
// stores such as MinIO or LocalStack and switches to path-style addressing.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3BlobStore stores blobs as S3 objects. Metadata travels as object
// user-metadata so GetMetadata is a single HEAD request.
type S3BlobStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3BlobStore loads the default AWS configuration and returns a store for
// cfg.Bucket. Static credentials override the default chain when given.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3BlobStore(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3BlobStore(client s3API, bucket, prefix string) *S3BlobStore {
	if prefix == "" {
		prefix = "submissions"
	}
	return &S3BlobStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3BlobStore) key(id string) string {
	return path.Join(s.prefix, id)
}

// Upload validates and stores content under a fresh ID.
func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(meta.ID)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		Metadata:      encodeMetadata(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.ID, err)
	}
	return &meta, nil
}

// Download streams the object body. The caller closes the reader.
func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, nil, s.mapError("get object", id, err)
	}
	meta := decodeMetadata(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	return out.Body, meta, nil
}

// Delete removes the object for id. Missing objects report ErrBlobNotFound.
func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return s.mapError("delete object", id, err)
	}
	return nil
}

// GetMetadata issues a HEAD request for id.
func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, s.mapError("head object", id, err)
	}
	return decodeMetadata(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength)), nil
}

func (s *S3BlobStore) mapError(op, id string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrBlobNotFound
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

func encodeMetadata(meta BlobMetadata) map[string]string {
	return map[string]string{
		"file-name":  meta.FileName,
		"owner":      meta.Owner,
		"category":   meta.Category,
		"sha256":     meta.Hash,
		"created-at": meta.CreatedAt.Format(time.RFC3339Nano),
	}
}

func decodeMetadata(id string, md map[string]string, contentType string, size int64) *BlobMetadata {
	meta := &BlobMetadata{
		ID:          id,
		FileName:    md["file-name"],
		ContentType: contentType,
		Size:        size,
		Owner:       md["owner"],
		Category:    md["category"],
		Hash:        md["sha256"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, md["created-at"]); err == nil {
		meta.CreatedAt = ts
	}
	return meta
}
