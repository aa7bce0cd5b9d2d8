package app

import (
	"context"
	"encoding/json"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/auth"
	"collab/api/internal/config"
	"collab/api/internal/session"
)

type sessionIssuer interface {
	IssueSession(ctx context.Context, req session.Request) (session.Session, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type roomCounter interface {
	Len() int
}

type Service struct {
	cfg      config.Config
	verifier *auth.Verifier
	issuer   sessionIssuer
	rooms    roomCounter
	checks   map[string]Pinger
}

// New wires the HTTP-facing service. checks maps a dependency name
// ("database", "redis") to its probe; nil probes are skipped.
func New(cfg config.Config, issuer sessionIssuer, rooms roomCounter, checks map[string]Pinger) *Service {
	filtered := make(map[string]Pinger, len(checks))
	for name, check := range checks {
		if check != nil {
			filtered[name] = check
		}
	}
	return &Service{
		cfg:      cfg,
		verifier: auth.NewVerifier(cfg.JWTSecret),
		issuer:   issuer,
		rooms:    rooms,
		checks:   filtered,
	}
}

// Authenticate turns a bearer token into the caller identity carried into
// collaboration sessions.
func (s *Service) Authenticate(token string) (access.User, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return access.User{}, err
	}
	name := claims.Name
	if name == "" {
		name = claims.Sub
	}
	return access.User{
		ID:          claims.Sub,
		DisplayName: name,
		Email:       claims.Email,
		Roles:       append([]string(nil), claims.Roles...),
	}, nil
}

type CreateSessionInput struct {
	RoomID       string          `json:"roomId"`
	FieldName    string          `json:"fieldName"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	InitialValue json.RawMessage `json:"initialValue,omitempty"`
}

type SessionResponse struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"roomId"`
	FieldName string    `json:"fieldName"`
	ExpiresAt time.Time `json:"expiresAt"`
	WSPath    string    `json:"wsPath"`
	WSURL     string    `json:"wsUrl,omitempty"`
	Role      string    `json:"role"`
	CanEdit   bool      `json:"canEdit"`
}

func (s *Service) CreateCollaborationSession(ctx context.Context, user access.User, input CreateSessionInput) (SessionResponse, error) {
	sess, err := s.issuer.IssueSession(ctx, session.Request{
		RoomID:       input.RoomID,
		FieldName:    input.FieldName,
		Meta:         input.Meta,
		User:         user,
		InitialValue: input.InitialValue,
	})
	if err != nil {
		return SessionResponse{}, sessionError(err)
	}
	return SessionResponse{
		Token:     sess.Token,
		RoomID:    sess.RoomID,
		FieldName: sess.FieldName,
		ExpiresAt: sess.ExpiresAt.UTC(),
		WSPath:    sess.WSPath,
		WSURL:     sess.WSURL,
		Role:      string(sess.Role),
		CanEdit:   sess.CanEdit,
	}, nil
}

// Ping runs every readiness check and reports each failure by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check.Ping(ctx)
	}
	return results
}

func (s *Service) RoomCount() int {
	if s.rooms == nil {
		return 0
	}
	return s.rooms.Len()
}
