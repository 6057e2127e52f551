// Package archive offloads large full snapshots to S3-compatible object
// storage and hands clients a presigned download URL.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/petsync/internal/netx"
	"github.com/google/uuid"
)

// Archiver stores an encoded snapshot archive and returns a URL the owner
// can download it from.
type Archiver interface {
	Put(ctx context.Context, userID string, data []byte) (string, error)
}

type Options struct {
	Bucket   string
	Region   string
	Endpoint string
	User     string
	Password string
	// Expires bounds the validity of presigned URLs.
	Expires time.Duration
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}

	upload = netx.UploadToPresignedURL
)

// S3 uploads through a presigned PUT so the same path works against AWS and
// MinIO.
type S3 struct {
	presign *s3.PresignClient
	bucket  string
	expires time.Duration
	now     func() time.Time
}

var _ Archiver = (*S3)(nil)

func NewS3(ctx context.Context, opts Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is not set")
	}
	if opts.Expires <= 0 {
		opts.Expires = 15 * time.Minute
	}

	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.User, opts.Password, "")))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		expires: opts.Expires,
		now:     time.Now,
	}, nil
}

// storageKey spreads archives by user and day.
func (a *S3) storageKey(userID string) string {
	d := a.now().UTC()
	return fmt.Sprintf("snapshots/%s/%d/%d/%d/%v", userID, d.Year(), d.Month(), d.Day(), uuid.New())
}

func (a *S3) Put(ctx context.Context, userID string, data []byte) (string, error) {
	key := a.storageKey(userID)

	put, err := presignPutObject(a.presign, ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.expires))
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	if err := upload(ctx, put.URL, data); err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}

	get, err := presignGetObject(a.presign, ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.expires))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return get.URL, nil
}
