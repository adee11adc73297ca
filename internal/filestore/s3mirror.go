package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// MirrorConfig carries the S3 (or compatible) settings for the off-host
// blob copy.
type MirrorConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Mirror is the S3 side of the store. It only ever sees content-addressed
// keys; integrity is re-checked on every read.
type Mirror struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

const mirrorPrefix = "files/"

func NewMirror(cfg MirrorConfig, logger zerolog.Logger) (*Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Mirror{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		log:    logger.With().Str("component", "s3-mirror").Logger(),
	}, nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (m *Mirror) HeadBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &m.bucket,
	})
	return err
}

func (m *Mirror) Put(ctx context.Context, sha string, data []byte, contentType string) error {
	key := mirrorPrefix + sha
	in := &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = &contentType
	}
	_, err := m.client.PutObject(ctx, in)
	return err
}

func (m *Mirror) Get(ctx context.Context, sha string) ([]byte, error) {
	key := mirrorPrefix + sha
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (m *Mirror) Exists(ctx context.Context, sha string) bool {
	key := mirrorPrefix + sha
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
	})
	return err == nil
}
