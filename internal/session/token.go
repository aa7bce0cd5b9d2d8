// Package session issues and redeems the single-use tokens that admit a
// WebSocket connection into a collaboration room.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/rbac"
)

var (
	ErrInvalidToken          = errors.New("invalid session token")
	ErrCollaborationDisabled = errors.New("collaboration disabled")
	ErrPermissionRequired    = errors.New("permission required")
	ErrInvalidRequest        = errors.New("invalid session request")
)

// Token binds a future connection to one room and a copy of the caller's
// identity as it was at issuance.
type Token struct {
	Token     string          `json:"-"`
	RoomID    string          `json:"roomId"`
	FieldName string          `json:"fieldName"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	User      access.User     `json:"user"`
	Role      rbac.Role       `json:"role"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t Token) CanEdit() bool {
	return rbac.Can(t.Role, rbac.ActionWrite)
}

// TokenStore holds issued tokens until they are consumed or expire.
// Consume must remove the token atomically so at most one caller succeeds.
type TokenStore interface {
	Save(ctx context.Context, token Token) error
	Consume(ctx context.Context, token string) (Token, error)
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	s.tokens[token.Token] = token
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, value string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[value]
	if !ok {
		return Token{}, ErrInvalidToken
	}
	delete(s.tokens, value)
	if token.Expired(s.now()) {
		return Token{}, ErrInvalidToken
	}
	return token, nil
}

// Sweep drops expired tokens and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *MemoryStore) pruneLocked(now time.Time) int {
	removed := 0
	for key, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, key)
			removed++
		}
	}
	return removed
}
