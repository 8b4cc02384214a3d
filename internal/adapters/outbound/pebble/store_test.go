package pebble

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path, Sync: true}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// --- Test: Open ---

func TestConfigDefaults(t *testing.T) {
	cfg := ConfigDefaults()
	if cfg.Path != "./db" {
		t.Errorf("expected Path=./db, got %s", cfg.Path)
	}
	if !cfg.Sync {
		t.Error("expected Sync=true")
	}
}

// --- Test: Get/Put ---

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Namespace("contracts").Get(context.Background(), "0xabc")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PutThenGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ns := s.Namespace("blocks")
	if err := ns.Put(ctx, "100", []byte(`{"v":1,"data":1700000000000}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := ns.Get(ctx, "100")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"v":1,"data":1700000000000}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestStore_PutNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ns := s.Namespace("blocks")
	_ = ns.Put(ctx, "1", []byte("first"))
	if err := ns.Put(ctx, "1", []byte("second")); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, _ := ns.Get(ctx, "1")
	if string(got) != "first" {
		t.Errorf("expected first write to win, got %q", got)
	}
}

func TestStore_ConcurrentPutsKeepOneValue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ns := s.Namespace("history")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = ns.Put(ctx, "k", []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	first, err := ns.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := ns.Get(ctx, "k")
		if string(again) != string(first) {
			t.Fatalf("value changed between reads: %v vs %v", first, again)
		}
	}
}

func TestStore_NamespacesAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	if err := s.Namespace("contracts").Put(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Namespace("blocks").Get(ctx, "k"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected key invisible from another namespace, got %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	s := openTestStore(t, dir)
	if err := s.Namespace("contracts").Put(ctx, "0x1", []byte("abi")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestStore(t, dir)
	defer reopened.Close()
	got, err := reopened.Namespace("contracts").Get(ctx, "0x1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "abi" {
		t.Errorf("expected abi, got %q", got)
	}
}

func TestStore_ClosedReturnsStoreError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	ns := s.Namespace("n")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	var se *apperr.StoreError
	if _, err := ns.Get(ctx, "k"); !errors.As(err, &se) {
		t.Errorf("expected StoreError from Get, got %v", err)
	}
	if err := ns.Put(ctx, "k", []byte("v")); !errors.As(err, &se) {
		t.Errorf("expected StoreError from Put, got %v", err)
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("expected Ping to fail after Close")
	}
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStore_CloseDuringReads(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	ns := s.Namespace("blocks")
	if err := ns.Put(ctx, "1", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := ns.Get(ctx, "1")
				var se *apperr.StoreError
				if err != nil && !errors.As(err, &se) {
					t.Errorf("expected value or StoreError, got %v", err)
					return
				}
			}
		}()
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()
}
