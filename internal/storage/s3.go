package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/config"
)

type s3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func newS3Store(cfg *config.Config) (*s3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
	}
	if cfg.S3Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.S3Endpoint))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// Path-style addressing plus relaxed checksums keeps MinIO and R2 usable
	// as drop-in backends.
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	log.Info().
		Str("endpoint", cfg.S3Endpoint).
		Str("bucket", cfg.S3Bucket).
		Msg("Blob storage: S3")

	return &s3Store{client: client, bucket: cfg.S3Bucket, publicURL: strings.TrimRight(cfg.S3PublicURL, "/")}, nil
}

// Upload puts one object. Content length is mandatory; some S3-compatible
// backends reject unsized streams.
func (s *s3Store) Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(contentLength),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	uri := s.uriFor(key)
	log.Info().Str("bucket", s.bucket).Str("key", key).Str("uri", uri).Msg("Blob uploaded")
	return uri, nil
}

// Fetch resolves a URI produced by Upload (or any http URI) back to a body.
func (s *s3Store) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	if key, ok := s.keyFor(uri); ok {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", key, err)
		}
		return out.Body, nil
	}
	if isHTTP(uri) {
		return fetchHTTP(ctx, uri)
	}
	return nil, fmt.Errorf("fetch %s: unsupported uri", uri)
}

func (s *s3Store) uriFor(key string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *s3Store) keyFor(uri string) (string, bool) {
	if s.publicURL != "" && strings.HasPrefix(uri, s.publicURL+"/") {
		return strings.TrimPrefix(uri, s.publicURL+"/"), true
	}
	prefix := fmt.Sprintf("s3://%s/", s.bucket)
	if strings.HasPrefix(uri, prefix) {
		return strings.TrimPrefix(uri, prefix), true
	}
	return "", false
}
