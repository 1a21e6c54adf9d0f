package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const s3ListPageSize = 1000

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	client S3Client
	bucket string
	ks     keyspace
	maxGet int64
}

func newS3Store(cfg Config, maxGet int64) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{
		client: cfg.S3Client,
		bucket: bucket,
		ks:     newKeyspace(cfg.Prefix),
		maxGet: maxGet,
	}, nil
}

// Put relies on S3 conditional writes (If-None-Match: *) for CreateOnly.
func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	key, err := cleanKey(key, false)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.ks.full(key)),
		Body:     bytes.NewReader(payload),
		Metadata: cloneMetadata(opts.Metadata),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if opts.CreateOnly {
		in.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		if opts.CreateOnly && hasErrorCode(err, "PreconditionFailed", "ConditionalRequestConflict", "412") {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("blobstore/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	key, err := cleanKey(key, false)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ks.full(key)),
	})
	if err != nil {
		if hasErrorCode(err, "NoSuchKey", "NotFound", "404") {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGet+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGet {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, s.maxGet)
	}
	return Object{
		Key:          key,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     cloneMetadata(out.Metadata),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanKey(prefix, true)
	if err != nil {
		return nil, err
	}
	full := s.ks.full(prefix)

	var out []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(full),
		MaxKeys: aws.Int32(s3ListPageSize),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blobstore/s3: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if key, ok := s.ks.logical(aws.ToString(obj.Key)); ok {
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
