// Package s3archive stores conversation history as JSON objects in an
// S3-compatible bucket (AWS S3, Cloudflare R2, MinIO, …).
//
// Every record is one object at <prefix><id>.json. Listing walks the prefix
// with ListObjectsV2 and downloads each object, so it is meant for archives
// of modest size.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/MrWong99/voxline/internal/history"
)

var _ history.Store = (*Store)(nil)

// API is the subset of [*s3.Client] used by [Store].
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config describes the bucket holding the archive.
type Config struct {
	Bucket string
	Prefix string

	// Region defaults to "auto", which S3-compatible providers accept.
	Region string

	// Endpoint switches to path-style addressing against a custom endpoint.
	Endpoint string

	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an S3 client with static credentials from cfg.
func NewClient(cfg Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

// Store is an object-storage backed [history.Store].
type Store struct {
	api    API
	bucket string
	prefix string
}

// New returns a Store for cfg using a client from [NewClient].
func New(cfg Config) (*Store, error) {
	return NewWithClient(NewClient(cfg), cfg.Bucket, cfg.Prefix)
}

// NewWithClient returns a Store over an existing client.
func NewWithClient(api API, bucket, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 history: empty bucket")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{api: api, bucket: bucket, prefix: prefix}, nil
}

// Ping checks that the bucket exists and is reachable. Used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 history: head bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) key(id string) string { return s.prefix + id + ".json" }

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, rec history.Record) error {
	if rec.ID == "" || strings.Contains(rec.ID, "/") {
		return fmt.Errorf("s3 history: save: invalid record id %q", rec.ID)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3 history: encode %s: %w", rec.ID, err)
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(rec.ID)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 history: upload %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (history.Record, error) {
	rec, err := s.fetch(ctx, s.key(id))
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("s3 history: get %s: %w", id, err)
	}
	return rec, nil
}

// List implements [history.Store]. Objects that cannot be decoded are logged
// and skipped.
func (s *Store) List(ctx context.Context) ([]history.Record, error) {
	var (
		records           []history.Record
		continuationToken *string
	)
	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.prefix),
		}
		if continuationToken != nil {
			input.ContinuationToken = continuationToken
		}

		output, err := s.api.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("s3 history: list: %w", err)
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") || strings.Contains(strings.TrimPrefix(key, s.prefix), "/") {
				continue
			}
			rec, err := s.fetch(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Warn("s3 history: skipping unreadable object", "key", key, "err", err)
				continue
			}
			records = append(records, rec)
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	if records == nil {
		records = []history.Record{}
	}
	history.SortNewestFirst(records)
	return records, nil
}

func (s *Store) fetch(ctx context.Context, key string) (history.Record, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return history.Record{}, err
	}
	defer out.Body.Close()

	var rec history.Record
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return history.Record{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, nil
}
