package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"collab/api/internal/access"
	"collab/api/internal/rbac"
	"collab/api/internal/room"
)

// PostgresStore persists room snapshots and per content type collaboration
// grants.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) LoadRoomSnapshot(ctx context.Context, roomID string) (room.Snapshot, bool, error) {
	const query = `
		SELECT state, state_codec, state_size, initialized, created_at, updated_at
		FROM collaboration_rooms
		WHERE room_id = $1
	`
	var (
		data     []byte
		codec    int16
		size     int
		snapshot = room.Snapshot{RoomID: roomID}
	)
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&data, &codec, &size, &snapshot.Initialized, &snapshot.CreatedAt, &snapshot.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return room.Snapshot{}, false, nil
	}
	if err != nil {
		return room.Snapshot{}, false, fmt.Errorf("load room snapshot: %w", err)
	}
	state, err := decompressState(data, codec, size)
	if err != nil {
		return room.Snapshot{}, false, fmt.Errorf("decode room snapshot %s: %w", roomID, err)
	}
	snapshot.State = state
	return snapshot, true, nil
}

func (s *PostgresStore) SaveRoomSnapshot(ctx context.Context, snapshot room.Snapshot) error {
	data, codec := compressState(snapshot.State)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_rooms (room_id, state, state_codec, state_size, initialized, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id) DO UPDATE SET
			state=EXCLUDED.state,
			state_codec=EXCLUDED.state_codec,
			state_size=EXCLUDED.state_size,
			initialized=EXCLUDED.initialized,
			updated_at=EXCLUDED.updated_at
	`, snapshot.RoomID, data, codec, len(snapshot.State), snapshot.Initialized, snapshot.CreatedAt, snapshot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save room snapshot: %w", err)
	}
	return nil
}

// Resolve grants the most privileged role recorded for the user, either by
// user id or through one of the user's role claims, on the content type or
// on the "*" wildcard.
func (s *PostgresStore) Resolve(ctx context.Context, user access.User, contentType string) (access.Grant, error) {
	if strings.TrimSpace(user.ID) == "" {
		return access.Grant{}, nil
	}
	subjects := make([]string, 0, len(user.Roles)+1)
	subjects = append(subjects, "user:"+user.ID)
	for _, claim := range user.Roles {
		claim = strings.ToLower(strings.TrimSpace(claim))
		if claim != "" {
			subjects = append(subjects, "role:"+claim)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role
		FROM collaboration_permissions
		WHERE content_type IN ($1, '*')
			AND subject = ANY($2)
	`, contentType, subjects)
	if err != nil {
		return access.Grant{}, fmt.Errorf("query collaboration permissions: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return access.Grant{}, fmt.Errorf("scan collaboration permission: %w", err)
		}
		roles = append(roles, rbac.Normalize(role))
	}
	if err := rows.Err(); err != nil {
		return access.Grant{}, fmt.Errorf("iterate collaboration permissions: %w", err)
	}

	role := rbac.Highest(roles...)
	if role == rbac.RoleNone {
		return access.Grant{}, nil
	}
	return access.Grant{Allowed: true, Role: role}, nil
}
