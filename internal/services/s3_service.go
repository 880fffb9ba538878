package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/logging"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
)

// S3Service implements ObjectStore against an S3-compatible backend. All
// signed URLs it produces are scoped to exactly one key under the tenant's
// storage prefix; download URLs are plain GETs so clients can issue Range
// requests against them for partial-content retrieval.
type S3Service struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       *config.Config
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	client, err := buildClient(cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3UsePathStyle)
	if err != nil {
		return nil, err
	}
	return &S3Service{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
	}, nil
}

func buildClient(endpoint, region, key, secret string, pathStyle bool) (*s3.Client, error) {
	resolver := awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
		func(service, rgn string, options ...interface{}) (aws.Endpoint, error) {
			if endpoint != "" {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		}))
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")),
		resolver,
		awsconfig.WithLogger(logging.NewStandardLogger(nil)),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	return client, nil
}

func (s *S3Service) SignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (SignedURL, error) {
	out, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.cfg.S3Bucket,
		Key:         &key,
		ContentType: &contentType,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return SignedURL{}, apierr.StorageUnavailable(err)
	}
	return SignedURL{URL: out.URL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *S3Service) SignDownload(ctx context.Context, key string, ttl time.Duration, downloadName string) (SignedURL, error) {
	in := &s3.GetObjectInput{Bucket: &s.cfg.S3Bucket, Key: &key}
	if downloadName != "" {
		disposition := fmt.Sprintf("attachment; filename=%q", downloadName)
		in.ResponseContentDisposition = &disposition
	}
	out, err := s.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return SignedURL{}, apierr.StorageUnavailable(err)
	}
	return SignedURL{URL: out.URL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *S3Service) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      &s.cfg.S3Bucket,
		Key:         &key,
		ContentType: &contentType,
	})
	if err != nil {
		return "", apierr.StorageUnavailable(err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Service) SignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (SignedURL, error) {
	out, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     &s.cfg.S3Bucket,
		Key:        &key,
		UploadId:   &uploadID,
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return SignedURL{}, apierr.StorageUnavailable(err)
	}
	return SignedURL{URL: out.URL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *S3Service) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Index),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &s.cfg.S3Bucket,
		Key:             &key,
		UploadId:        &uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return ObjectInfo{}, apierr.StorageUnavailable(err)
	}
	return s.HeadObject(ctx, key)
}

func (s *S3Service) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &s.cfg.S3Bucket,
		Key:      &key,
		UploadId: &uploadID,
	})
	if err != nil {
		return apierr.StorageUnavailable(err)
	}
	return nil
}

func (s *S3Service) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.S3Bucket,
		Key:    &key,
	})
	if err != nil {
		return ObjectInfo{}, apierr.StorageUnavailable(err)
	}
	return ObjectInfo{
		SizeBytes: aws.ToInt64(out.ContentLength),
		Checksum:  strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (s *S3Service) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.cfg.S3Bucket,
		Key:    &key,
	})
	if err != nil {
		return apierr.StorageUnavailable(err)
	}
	return nil
}
