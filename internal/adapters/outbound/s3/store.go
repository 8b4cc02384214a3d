// Package s3 provides an S3 object-store implementation of the PersistentStore port.
//
// Each entry is one object at <prefix>/<namespace>/<key>. Objects are written
// with If-None-Match: * so S3 itself rejects a second write of the same key.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// s3API defines the subset of S3 operations needed by the Store.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Compile-time checks
var (
	_ outbound.PersistentStore = (*Store)(nil)
	_ outbound.KVStore         = (*namespace)(nil)
)

// Config holds S3 store configuration.
type Config struct {
	// Bucket holds the cache objects. Required.
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
}

// Store is an S3-backed PersistentStore.
type Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewStore creates a new S3 store with the given AWS config.
func NewStore(awsCfg aws.Config, cfg Config, logger *slog.Logger, optFns ...func(*s3.Options)) (*Store, error) {
	return newStore(s3.NewFromConfig(awsCfg, optFns...), cfg, logger)
}

func newStore(client s3API, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "s3-store"),
	}, nil
}

// Namespace returns a view of the store scoped to name.
func (s *Store) Namespace(name string) outbound.KVStore {
	return &namespace{store: s, name: name}
}

// Ping checks that the bucket exists and is accessible.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return apperr.Store("ping", s.bucket, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

func (s *Store) objectKey(ns, key string) string {
	return path.Join(s.prefix, ns, key)
}

type namespace struct {
	store *Store
	name  string
}

func (n *namespace) Get(ctx context.Context, key string) ([]byte, error) {
	objKey := n.store.objectKey(n.name, key)
	out, err := n.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(n.store.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Store("get", objKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Store("get", objKey, fmt.Errorf("reading body: %w", err))
	}
	return data, nil
}

func (n *namespace) Put(ctx context.Context, key string, value []byte) error {
	objKey := n.store.objectKey(n.name, key)
	_, err := n.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(n.store.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			n.store.logger.Debug("object already present, skipping write", "key", objKey)
			return nil
		}
		return apperr.Store("put", objKey, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	// ConditionalRequestConflict is returned when a concurrent write wins the race.
	return code == "PreconditionFailed" || code == "412" || code == "ConditionalRequestConflict"
}
