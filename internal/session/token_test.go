package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/rbac"
)

func testToken(value string, expiresAt time.Time) Token {
	return Token{
		Token:     value,
		RoomID:    "api::article.article|42|body",
		FieldName: "body",
		User:      access.User{ID: "user-1", DisplayName: "Avery", Roles: []string{"editor"}},
		Role:      rbac.RoleEditor,
		CreatedAt: expiresAt.Add(-2 * time.Minute),
		ExpiresAt: expiresAt,
	}
}

func TestMemoryStoreConsumeOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Save(ctx, testToken("tok-1", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	token, err := store.Consume(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if token.User.ID != "user-1" || token.RoomID != "api::article.article|42|body" {
		t.Fatalf("unexpected token: %+v", token)
	}
	if _, err := store.Consume(ctx, "tok-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second Consume() error = %v, want ErrInvalidToken", err)
	}
}

func TestMemoryStoreConcurrentConsume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Save(ctx, testToken("tok-race", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var wins, rejects atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "tok-race"); err == nil {
				wins.Add(1)
			} else if errors.Is(err, ErrInvalidToken) {
				rejects.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || rejects.Load() != 15 {
		t.Fatalf("wins=%d rejects=%d, want 1 and 15", wins.Load(), rejects.Load())
	}
}

func TestMemoryStoreRejectsExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(5000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	if err := store.Save(ctx, testToken("tok-old", now.Add(time.Second))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := store.Consume(ctx, "tok-old"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Consume() error = %v, want ErrInvalidToken", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expired token was not removed on consume")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(5000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	_ = store.Save(ctx, testToken("a", now.Add(time.Second)))
	_ = store.Save(ctx, testToken("b", now.Add(time.Hour)))

	now = now.Add(time.Minute)
	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("Sweep() = %d, want 1", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStoreUnknownToken(t *testing.T) {
	if _, err := NewMemoryStore().Consume(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Consume() error = %v, want ErrInvalidToken", err)
	}
}
