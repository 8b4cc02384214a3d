package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
)

// fakeS3 is an in-memory bucket honouring IfNoneMatch.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	headErr error
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	key := aws.ToString(params.Key)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func newTestStore(t *testing.T, client s3API) *Store {
	t.Helper()
	s, err := newStore(client, Config{Bucket: "cache", Prefix: "stl-history"}, nil)
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	return s
}

// --- Test: NewStore ---

func TestNewStore_RequiresBucket(t *testing.T) {
	if _, err := NewStore(aws.Config{}, Config{}, nil); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestNewStore_WithConfig(t *testing.T) {
	s, err := NewStore(aws.Config{Region: "us-east-1"}, Config{Bucket: "b"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.client == nil || s.logger == nil {
		t.Error("expected client and logger to be set")
	}
}

// --- Test: Get/Put ---

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t, newFakeS3())

	_, err := s.Namespace("contracts").Get(context.Background(), "0xabc")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PutWritesUnderNamespacePrefix(t *testing.T) {
	fake := newFakeS3()
	s := newTestStore(t, fake)

	if err := s.Namespace("blocks").Put(context.Background(), "100", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := fake.objects["stl-history/blocks/100"]; !ok {
		t.Errorf("expected object at stl-history/blocks/100, have %v", fake.objects)
	}
}

func TestStore_PutNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	ns := newTestStore(t, fake).Namespace("blocks")

	if err := ns.Put(ctx, "1", []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ns.Put(ctx, "1", []byte("second")); err != nil {
		t.Fatalf("second Put should be a silent no-op, got %v", err)
	}

	got, err := ns.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("expected first, got %q", got)
	}
	if fake.puts != 2 {
		t.Errorf("expected 2 put attempts, got %d", fake.puts)
	}
}

func TestStore_GetFailureIsStoreError(t *testing.T) {
	fake := newFakeS3()
	fake.getErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	s := newTestStore(t, fake)

	_, err := s.Namespace("blocks").Get(context.Background(), "1")
	var se *apperr.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if se.Key != "stl-history/blocks/1" {
		t.Errorf("unexpected key %q", se.Key)
	}
}

func TestStore_Ping(t *testing.T) {
	fake := newFakeS3()
	s := newTestStore(t, fake)

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	fake.headErr = errors.New("no such bucket")
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail")
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"precondition", &smithy.GenericAPIError{Code: "PreconditionFailed"}, true},
		{"status code", &smithy.GenericAPIError{Code: "412"}, true},
		{"conflict", &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, true},
		{"other api error", &smithy.GenericAPIError{Code: "SlowDown"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPreconditionFailed(tt.err); got != tt.want {
				t.Errorf("isPreconditionFailed() = %v, want %v", got, tt.want)
			}
		})
	}
}
