package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint, e.g. minio; empty for AWS
	AccessKey string
	SecretKey string
	// PublicBaseURL overrides the virtual-hosted AWS URL.
	PublicBaseURL string
}

type S3Storage struct {
	client  *s3.Client
	bucket  string
	baseURL string
	logger  zerolog.Logger
}

func NewS3Storage(ctx context.Context, opts S3Options, logger zerolog.Logger) (*S3Storage, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := strings.TrimSuffix(opts.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://" + opts.Bucket + ".s3." + opts.Region + ".amazonaws.com"
	}
	return &S3Storage{
		client:  client,
		bucket:  opts.Bucket,
		baseURL: baseURL,
		logger:  logger.With().Str("component", "storage").Str("driver", "s3").Str("bucket", opts.Bucket).Logger(),
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, conversationID uuid.UUID, userID, fileName, contentType string, size int64, body io.Reader) (*Object, error) {
	key := ObjectKey(conversationID, userID, fileName)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("error uploading object")
		return nil, errors.Wrap(err, "put object")
	}

	s.logger.Debug().Str("key", key).Int64("size", size).Msg("object stored")
	return &Object{
		Key:         key,
		URL:         s.URL(key),
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
	}, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return errors.Wrap(err, "delete object")
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, errors.Wrap(err, "head object")
}

func (s *S3Storage) URL(key string) string {
	return s.baseURL + "/" + urlPath(key)
}
