package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

const pluginS3 = "s3"

func init() {
	register(Plugin{
		ID:          pluginS3,
		DisplayName: "Amazon S3 / MinIO",
		Required:    []string{"bucket_name"},
		properties: map[string]models.SchemaProperty{
			"bucket_name":           {Type: "string", Title: "Bucket Name"},
			"prefix":                {Type: "string", Title: "Prefix", Description: "Only read keys under this prefix", Default: ""},
			"endpoint_url":          {Type: "string", Title: "Endpoint URL", Description: "Custom endpoint for MinIO or other S3 compatible stores"},
			"aws_access_key_id":     {Type: "string", Title: "Access Key ID"},
			"aws_secret_access_key": {Type: "string", Title: "Secret Access Key", WriteOnly: true},
			"region_name":           {Type: "string", Title: "Region", Default: "us-east-1"},
		},
		build: func(cfg map[string]any) (Source, error) {
			var c S3Config
			if err := decodeConfig(pluginS3, cfg, &c); err != nil {
				return nil, err
			}
			return NewS3(c)
		},
	})
}

// S3Config configures the s3 connector. EndpointURL selects an S3
// compatible server such as MinIO. Without static keys the default AWS
// credential chain is used.
type S3Config struct {
	BucketName         string `json:"bucket_name"`
	Prefix             string `json:"prefix"`
	EndpointURL        string `json:"endpoint_url"`
	AWSAccessKeyID     string `json:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key"`
	RegionName         string `json:"region_name"`
}

// S3 reads every object under a bucket prefix.
type S3 struct {
	cfg S3Config
}

// NewS3 validates the config. The client is created on Open.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.BucketName == "" {
		return nil, ingesterr.Validation("s3: bucket_name is required")
	}
	if (cfg.AWSAccessKeyID == "") != (cfg.AWSSecretAccessKey == "") {
		return nil, ingesterr.Validation("s3: aws_access_key_id and aws_secret_access_key must be set together")
	}
	if cfg.RegionName == "" {
		cfg.RegionName = "us-east-1"
	}
	return &S3{cfg: cfg}, nil
}

func (s *S3) Plugin() string { return pluginS3 }

func (s *S3) client(ctx context.Context) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(s.cfg.RegionName),
	}
	if s.cfg.AWSAccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AWSAccessKeyID, s.cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindAuth, pluginS3, fmt.Errorf("load aws config: %w", err))
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.cfg.EndpointURL)
			o.UsePathStyle = true
		}
	}), nil
}

// TestConnection checks that the bucket exists and the credentials can
// reach it.
func (s *S3) TestConnection(ctx context.Context) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	headCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(headCtx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.BucketName)}); err != nil {
		return classifyAWS("s3.head_bucket", err)
	}
	return nil
}

// Open connects and returns an iterator that pages through the listing
// lazily.
func (s *S3) Open(ctx context.Context) (Iterator, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	it := &s3Iterator{
		bucket: s.cfg.BucketName,
		pages: s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.cfg.BucketName),
			Prefix: aws.String(s.cfg.Prefix),
		}),
		downloader: manager.NewDownloader(client),
	}
	// Fetch the first page now so a missing bucket or bad credentials fail
	// the job before it starts processing.
	if err := it.fill(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

type s3Iterator struct {
	bucket     string
	pages      *s3.ListObjectsV2Paginator
	downloader *manager.Downloader
	pending    []types.Object
}

func (it *s3Iterator) fill(ctx context.Context) error {
	for len(it.pending) == 0 && it.pages.HasMorePages() {
		pageCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		page, err := it.pages.NextPage(pageCtx)
		cancel()
		if err != nil {
			return classifyAWS("s3.list", err)
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), "/") {
				continue
			}
			it.pending = append(it.pending, obj)
		}
	}
	return nil
}

func (it *s3Iterator) Next(ctx context.Context) (models.Document, error) {
	if err := it.fill(ctx); err != nil {
		return models.Document{}, err
	}
	if len(it.pending) == 0 {
		return models.Document{}, EOF
	}

	obj := it.pending[0]
	key := aws.ToString(obj.Key)

	size := aws.ToInt64(obj.Size)
	if size > maxDocumentBytes {
		it.pending = it.pending[1:]
		return models.Document{}, ingesterr.Errorf(ingesterr.KindInvalidInput, "s3.get", "%s: object is %d bytes", key, size)
	}

	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	getCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := it.downloader.Download(getCtx, buf, &s3.GetObjectInput{
		Bucket: aws.String(it.bucket),
		Key:    aws.String(key),
	}); err != nil {
		err = classifyAWS("s3.get", err)
		if !ingesterr.Retryable(err) {
			it.pending = it.pending[1:]
		}
		return models.Document{}, err
	}
	it.pending = it.pending[1:]

	text, meta, err := extractText(buf.Bytes(), key, "")
	if err != nil {
		return models.Document{}, ingesterr.Wrap(ingesterr.KindInvalidInput, pluginS3, fmt.Errorf("%s: %w", key, err))
	}
	meta["bucket"] = it.bucket
	meta["key"] = key
	meta["size"] = size
	if obj.LastModified != nil {
		meta["last_modified"] = obj.LastModified.UTC().Format(time.RFC3339)
	}
	return newDocument(pluginS3, fmt.Sprintf("s3://%s/%s", it.bucket, key), text, meta), nil
}

func (it *s3Iterator) Close() error { return nil }

// classifyAWS maps SDK errors onto ingestion error kinds.
func classifyAWS(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var noBucket *types.NoSuchBucket
	var noKey *types.NoSuchKey
	if errors.As(err, &noBucket) || errors.As(err, &noKey) {
		return ingesterr.Wrap(ingesterr.KindNotFound, op, err)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch code := re.HTTPStatusCode(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return ingesterr.Wrap(ingesterr.KindAuth, op, err)
		case code == http.StatusNotFound:
			return ingesterr.Wrap(ingesterr.KindNotFound, op, err)
		case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
			return ingesterr.RateLimited(op, err, 0)
		case code >= 400 && code < 500:
			return ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
		}
	}
	return ingesterr.Wrap(ingesterr.KindConnection, op, err)
}
