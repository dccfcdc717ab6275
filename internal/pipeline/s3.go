package pipeline

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pixcache/pixcache/internal/config"
	"github.com/pixcache/pixcache/pkg/errors"
)

// GetObjectAPI is the part of the S3 client the fetcher uses.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches s3://bucket/key URIs.
type S3Fetcher struct {
	once      sync.Once
	client    GetObjectAPI
	clientErr error
	newClient func(ctx context.Context) (GetObjectAPI, error)
}

// NewS3Fetcher creates a fetcher that uses client.
func NewS3Fetcher(client GetObjectAPI) *S3Fetcher {
	f := &S3Fetcher{client: client}
	f.once.Do(func() {})
	return f
}

// NewS3FetcherFromConfig creates a fetcher whose client is built from cfg on
// first use, so engines that never see s3:// sources never load AWS config.
func NewS3FetcherFromConfig(cfg config.S3Config) *S3Fetcher {
	return &S3Fetcher{
		newClient: func(ctx context.Context) (GetObjectAPI, error) {
			return NewS3Client(ctx, cfg)
		},
	}
}

// NewS3Client builds an S3 client from the default AWS credential chain,
// overridden by the static keys, profile, region and endpoint in cfg.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to load AWS config", err).
			WithComponent("pipeline").WithOperation("s3_client")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Cacheable implements Fetcher.
func (f *S3Fetcher) Cacheable() bool { return true }

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, uri string) (*FetchResult, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}

	f.once.Do(func() {
		f.client, f.clientErr = f.newClient(ctx)
	})
	if f.clientErr != nil {
		return nil, f.clientErr
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error(err, uri)
	}

	res := &FetchResult{
		Body:          out.Body,
		MimeType:      mimeFromHeader(aws.ToString(out.ContentType)),
		ETag:          aws.ToString(out.ETag),
		ContentLength: aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		res.LastModified = out.LastModified.UTC().Format(http.TimeFormat)
	}
	return res, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, perr := url.Parse(uri)
	if perr != nil || !strings.EqualFold(u.Scheme, "s3") || u.Host == "" {
		return "", "", errors.NewError(errors.ErrCodeUnsupportedURI, "expected s3://bucket/key").
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", errors.NewError(errors.ErrCodeUnsupportedURI, "s3 uri has no object key").
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}
	return u.Host, key, nil
}

// translateS3Error marks missing objects, missing buckets and access
// errors as permanent and everything else as retryable.
func translateS3Error(err error, uri string) error {
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrCodeOperationCanceled, "fetch canceled", err).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}

	retryable := true
	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	var apiErr smithy.APIError
	switch {
	case stderrors.As(err, &noKey), stderrors.As(err, &noBucket):
		retryable = false
	case stderrors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NotFound", "AccessDenied", "InvalidObjectState", "InvalidBucketName":
			retryable = false
		}
	}

	return errors.Wrap(errors.ErrCodeFetchFailed, "s3 GetObject failed", err).
		WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri).WithRetryable(retryable)
}
