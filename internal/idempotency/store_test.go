package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, size int) (*MemoryStore, *time.Time) {
	t.Helper()
	s := NewMemoryStoreWithSize(size)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	if err := s.Set(ctx, "k", &Response{StatusCode: 201, Body: []byte(`{"reference":"tkn_1"}`)}, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := s.Get(ctx, "k")
	if !ok || got.StatusCode != 201 {
		t.Fatalf("Get = %+v, %v; want status 201", got, ok)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s, now := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "short", &Response{StatusCode: 200}, time.Minute)
	_ = s.Set(ctx, "long", &Response{StatusCode: 200}, time.Hour)

	*now = now.Add(2 * time.Minute)
	if _, ok := s.Get(ctx, "short"); ok {
		t.Error("short entry should have expired")
	}
	if _, ok := s.Get(ctx, "long"); !ok {
		t.Error("long entry should still be cached")
	}

	*now = now.Add(2 * time.Hour)
	s.purgeExpired()
	if s.Len() != 0 {
		t.Errorf("Len after purge = %d, want 0", s.Len())
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	s, _ := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = s.Set(ctx, fmt.Sprintf("k%d", i), &Response{StatusCode: 200}, time.Hour)
	}
	// Touch k0 so k1 becomes the least recently used.
	s.Get(ctx, "k0")
	_ = s.Set(ctx, "k3", &Response{StatusCode: 200}, time.Hour)

	tests := []struct {
		key  string
		want bool
	}{
		{"k0", true},
		{"k1", false},
		{"k2", true},
		{"k3", true},
	}
	for _, tt := range tests {
		if _, ok := s.Get(ctx, tt.key); ok != tt.want {
			t.Errorf("Get(%s) found=%v, want %v", tt.key, ok, tt.want)
		}
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestMemoryStore_Reserve(t *testing.T) {
	s, now := newTestStore(t, 10)
	ctx := context.Background()

	if !s.Reserve(ctx, "k", time.Minute) {
		t.Fatal("first Reserve should succeed")
	}
	if s.Reserve(ctx, "k", time.Minute) {
		t.Fatal("second Reserve should fail while held")
	}
	s.Release(ctx, "k")
	if !s.Reserve(ctx, "k", time.Minute) {
		t.Fatal("Reserve after Release should succeed")
	}

	// An abandoned claim lapses.
	*now = now.Add(2 * time.Minute)
	if !s.Reserve(ctx, "k", time.Minute) {
		t.Fatal("Reserve after claim expiry should succeed")
	}
}

func TestMemoryStore_ConcurrentReserve(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve(ctx, "shared", time.Minute) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
