package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRedisSaveAndConsume(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Save(ctx, testToken("tok-1", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.Exists("collab:token:tok-1") {
		t.Fatal("raw token must not be used as the key")
	}

	token, err := store.Consume(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if token.Token != "tok-1" || token.User.DisplayName != "Avery" || token.FieldName != "body" {
		t.Errorf("unexpected token: %+v", token)
	}
	if !token.CanEdit() {
		t.Errorf("expected editor token to allow edits")
	}

	if _, err := store.Consume(ctx, "tok-1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second Consume error = %v, want ErrInvalidToken", err)
	}
}

func TestRedisConsumeExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Save(ctx, testToken("tok-exp", time.Now().Add(time.Second))); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	if _, err := store.Consume(ctx, "tok-exp"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Consume error = %v, want ErrInvalidToken", err)
	}
}

func TestRedisConsumeHonoursAbsoluteExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	if err := store.Save(ctx, testToken("tok-late", now.Add(time.Minute))); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Redis still holds the key, but the deadline has passed.
	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := store.Consume(ctx, "tok-late"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Consume error = %v, want ErrInvalidToken", err)
	}
	if len(s.Keys()) != 0 {
		t.Errorf("expected expired token to be deleted, keys=%v", s.Keys())
	}
}

func TestRedisSaveSkipsExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	if err := store.Save(context.Background(), testToken("tok-dead", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(s.Keys()) != 0 {
		t.Errorf("expected no keys, got %v", s.Keys())
	}
}

func TestRedisConcurrentConsume(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Save(ctx, testToken("tok-race", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "tok-race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
}
