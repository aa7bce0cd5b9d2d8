package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/config"
	"collab/api/internal/metrics"
	"collab/api/internal/rbac"
	"collab/api/internal/room"
	"collab/api/internal/util"
)

type Request struct {
	RoomID       string
	FieldName    string
	Meta         json.RawMessage
	User         access.User
	InitialValue json.RawMessage
}

// Session is what a caller needs to open the WebSocket connection.
type Session struct {
	Token     string
	RoomID    string
	FieldName string
	ExpiresAt time.Time
	WSPath    string
	WSURL     string
	Role      rbac.Role
	CanEdit   bool
}

type roomBootstrapper interface {
	EnsureRoom(ctx context.Context, roomID string) (*room.Room, error)
	Bootstrap(ctx context.Context, roomID string, payload []byte) (bool, error)
}

type Issuer struct {
	collab    config.Collaboration
	publicURL string
	rooms     roomBootstrapper
	tokens    TokenStore
	access    access.Gateway
	metrics   *metrics.Collector
	now       func() time.Time
}

func NewIssuer(cfg config.Config, rooms *room.Registry, tokens TokenStore, gateway access.Gateway, collector *metrics.Collector) *Issuer {
	return &Issuer{
		collab:    cfg.Collaboration,
		publicURL: cfg.PublicURL,
		rooms:     rooms,
		tokens:    tokens,
		access:    gateway,
		metrics:   collector,
		now:       time.Now,
	}
}

// IssueSession admits an authenticated caller to a room: it checks access,
// makes sure the room exists and is seeded, and stores a single-use token.
func (i *Issuer) IssueSession(ctx context.Context, req Request) (Session, error) {
	if !i.collab.Enabled {
		i.metrics.SessionRejected("collaboration_disabled")
		return Session{}, ErrCollaborationDisabled
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.FieldName = strings.TrimSpace(req.FieldName)
	if req.RoomID == "" || req.FieldName == "" {
		return Session{}, fmt.Errorf("%w: roomId and fieldName are required", ErrInvalidRequest)
	}

	grant, err := i.access.Resolve(ctx, req.User, access.ContentType(req.RoomID))
	if err != nil {
		return Session{}, fmt.Errorf("resolve access: %w", err)
	}
	if !grant.Allowed {
		i.metrics.SessionRejected("permission_required")
		return Session{}, ErrPermissionRequired
	}

	if _, err := i.rooms.EnsureRoom(ctx, req.RoomID); err != nil {
		return Session{}, err
	}
	if _, err := i.rooms.Bootstrap(ctx, req.RoomID, req.InitialValue); err != nil {
		if errors.Is(err, room.ErrInvalidPayload) {
			return Session{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return Session{}, err
	}

	now := i.now()
	token := Token{
		Token:     util.NewToken(),
		RoomID:    req.RoomID,
		FieldName: req.FieldName,
		Meta:      req.Meta,
		User:      req.User.Clone(),
		Role:      grant.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(i.collab.SessionTTL),
	}
	if err := i.tokens.Save(ctx, token); err != nil {
		return Session{}, err
	}
	i.metrics.SessionIssued()
	log.Printf("session: issued token for %s (user=%s role=%s)", req.RoomID, req.User.ID, grant.Role)

	return Session{
		Token:     token.Token,
		RoomID:    token.RoomID,
		FieldName: token.FieldName,
		ExpiresAt: token.ExpiresAt,
		WSPath:    i.collab.WSPath,
		WSURL:     websocketURL(i.publicURL, i.collab.WSPath),
		Role:      grant.Role,
		CanEdit:   grant.CanEdit(),
	}, nil
}

// websocketURL derives the ws(s) URL from the public http(s) base URL.
// It returns "" when no usable base is configured.
func websocketURL(publicURL, wsPath string) string {
	if strings.TrimSpace(publicURL) == "" {
		return ""
	}
	base, err := url.Parse(publicURL)
	if err != nil || base.Host == "" {
		return ""
	}
	switch base.Scheme {
	case "https", "wss":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + wsPath
	base.RawQuery = ""
	base.Fragment = ""
	return base.String()
}
