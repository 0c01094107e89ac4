package payloadstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3-backed store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack in local development
	Prefix   string // optional key prefix, e.g. "webhooks/"
}

// S3Store persists payloads to S3 under a key partitioned by UTC date
// and hour, so both TTL lifecycle rules and the replay time-range scan
// can work off the key alone.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("payloadstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// keyFor builds a lexicographically time-sortable key:
// {prefix}year=YYYY/month=MM/day=DD/hour=HH/{event_id}.json
func keyFor(prefix, eventID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%syear=%04d/month=%02d/day=%02d/hour=%02d/%s.json",
		prefix, at.Year(), at.Month(), at.Day(), at.Hour(), eventID)
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, eventID string, data []byte) (string, error) {
	key := keyFor(s.prefix, eventID, time.Now())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("payloadstore: s3 put: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// List implements Store. from and to are key prefixes (e.g.
// "year=2024/month=01/day=15"); every key that sorts within
// [from, to] lexicographically is returned. S3 keys are naturally
// sorted in ListObjectsV2, so a single paginated scan under the
// store's configured prefix, filtered by range, is enough.
func (s *S3Store) List(ctx context.Context, from, to string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("payloadstore: s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			trimmed := key[len(s.prefix):]
			if trimmed >= from && trimmed <= to+"\xff" {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("payloadstore: s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	return io.ReadAll(out.Body)
}
