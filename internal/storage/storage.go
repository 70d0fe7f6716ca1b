// Package storage publishes extract outputs to the object storage bucket the warehouse
// loader reads from.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"covid19-pipeline/internal/components/assert"
	"covid19-pipeline/internal/components/telemetry"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	report_s3_publish = "s3.publish"
)

// Publisher makes a local file available to the warehouse loader.
type Publisher interface {
	// Publish uploads the file at `localPath` and returns the uri it is reachable at.
	Publish(ctx context.Context, localPath string) (string, error)
}

// NopPublisher is used when the output directory is already a mounted view of the bucket.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, localPath string) (string, error) {
	return localPath, nil
}

// ObjectKey joins a prefix and the base name of a local file into an object key.
func ObjectKey(prefix, localPath string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return filepath.Base(localPath)
	}
	return path.Join(prefix, filepath.Base(localPath))
}

type S3Options struct {
	// EndpointUrl is only needed for S3 compatible services (ex. https://storage.googleapis.com).
	EndpointUrl     string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyId     string
	SecretAccessKey string
}

// s3API is the subset of *s3.Client used by S3Publisher.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Publisher struct {
	client s3API
	bucket string
	prefix string
	tel    telemetry.API
}

func NewS3Publisher(ctx context.Context, opts S3Options, tel telemetry.API) (S3Publisher, error) {
	assert.NotEmptyStr(opts.Bucket)
	assert.NotNil(tel)

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyId != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyId, opts.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return S3Publisher{}, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(opts.EndpointUrl)
			o.UsePathStyle = true
		}
	})

	return newS3Publisher(client, opts.Bucket, opts.Prefix, tel), nil
}

func newS3Publisher(client s3API, bucket, prefix string, tel telemetry.API) S3Publisher {
	return S3Publisher{
		client: client,
		bucket: bucket,
		prefix: prefix,
		tel:    telemetry.NewScopedAPI("storage", tel),
	}
}

func (p S3Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		p.tel.ReportBroken(report_s3_publish, fmt.Errorf("open: %w", err), localPath)
		return "", err
	}
	defer f.Close()

	key := ObjectKey(p.prefix, localPath)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv; charset=utf-8"),
	})
	if err != nil {
		p.tel.ReportBroken(report_s3_publish, fmt.Errorf("put object: %w", err), p.bucket, key)
		return "", fmt.Errorf("upload %s to s3://%s/%s: %w", localPath, p.bucket, key, err)
	}

	uri := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	p.tel.ReportDebug("published", localPath, uri)
	return uri, nil
}
