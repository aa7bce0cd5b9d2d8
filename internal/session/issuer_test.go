package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/config"
	"collab/api/internal/crdt"
	"collab/api/internal/rbac"
	"collab/api/internal/room"
)

type fakeAccess struct {
	grant       access.Grant
	err         error
	contentType string
}

func (f *fakeAccess) Resolve(_ context.Context, _ access.User, contentType string) (access.Grant, error) {
	f.contentType = contentType
	return f.grant, f.err
}

func newTestIssuer(t *testing.T, gateway access.Gateway) (*Issuer, *room.Registry, *MemoryStore) {
	t.Helper()
	cfg := config.Load()
	cfg.PublicURL = "https://cms.example.com/"
	cfg.Collaboration.Enabled = true
	cfg.Collaboration.SessionTTL = 2 * time.Minute
	cfg.Collaboration.WSPath = "/collab/ws"
	registry := room.NewRegistry()
	tokens := NewMemoryStore()
	return NewIssuer(cfg, registry, tokens, gateway, nil), registry, tokens
}

func TestIssueSessionContract(t *testing.T) {
	gateway := &fakeAccess{grant: access.Grant{Allowed: true, Role: rbac.RoleEditor}}
	issuer, registry, tokens := newTestIssuer(t, gateway)
	now := time.Unix(10_000, 0)
	issuer.now = func() time.Time { return now }

	user := access.User{ID: "user-1", DisplayName: "Avery", Email: "avery@example.com", Roles: []string{"editor"}}
	sess, err := issuer.IssueSession(context.Background(), Request{
		RoomID:       " api::article.article|42|body ",
		FieldName:    "body",
		Meta:         json.RawMessage(`{"locale":"en"}`),
		User:         user,
		InitialValue: json.RawMessage(`[{"id":"b1","type":"paragraph"},{"id":"b2","type":"paragraph"}]`),
	})
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	if sess.Token == "" || sess.RoomID != "api::article.article|42|body" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v", sess.ExpiresAt)
	}
	if sess.WSPath != "/collab/ws" || sess.WSURL != "wss://cms.example.com/collab/ws" {
		t.Fatalf("unexpected ws params: %q %q", sess.WSPath, sess.WSURL)
	}
	if sess.Role != rbac.RoleEditor || !sess.CanEdit {
		t.Fatalf("unexpected permission: %q canEdit=%v", sess.Role, sess.CanEdit)
	}
	if gateway.contentType != "api::article.article" {
		t.Fatalf("access resolved for %q", gateway.contentType)
	}

	doc := crdt.New("reader")
	if err := doc.ApplyUpdate(registry.EncodeState(sess.RoomID), "server"); err != nil {
		t.Fatalf("apply room state: %v", err)
	}
	if got := doc.Keys(room.MapBlocks); len(got) != 2 {
		t.Fatalf("room not bootstrapped: blocks=%v", got)
	}

	// The token carries a copy of the user taken at issuance.
	user.Roles[0] = "viewer"
	tokens.now = func() time.Time { return now }
	stored, err := tokens.Consume(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if stored.User.Roles[0] != "editor" || stored.User.Email != "avery@example.com" {
		t.Fatalf("token user snapshot changed: %+v", stored.User)
	}
	if string(stored.Meta) != `{"locale":"en"}` {
		t.Fatalf("Meta = %s", stored.Meta)
	}
}

func TestIssueSessionDisabled(t *testing.T) {
	issuer, registry, _ := newTestIssuer(t, &fakeAccess{grant: access.Grant{Allowed: true, Role: rbac.RoleOwner}})
	issuer.collab.Enabled = false

	_, err := issuer.IssueSession(context.Background(), Request{RoomID: "r|1|f", FieldName: "f"})
	if !errors.Is(err, ErrCollaborationDisabled) {
		t.Fatalf("IssueSession() error = %v, want ErrCollaborationDisabled", err)
	}
	if registry.Len() != 0 {
		t.Fatal("disabled issuer created a room")
	}
}

func TestIssueSessionPermissionRequired(t *testing.T) {
	issuer, registry, tokens := newTestIssuer(t, &fakeAccess{grant: access.Grant{}})

	_, err := issuer.IssueSession(context.Background(), Request{RoomID: "r|1|f", FieldName: "f"})
	if !errors.Is(err, ErrPermissionRequired) {
		t.Fatalf("IssueSession() error = %v, want ErrPermissionRequired", err)
	}
	if registry.Len() != 0 || tokens.Len() != 0 {
		t.Fatal("denied caller created state")
	}
}

func TestIssueSessionValidation(t *testing.T) {
	issuer, _, _ := newTestIssuer(t, &fakeAccess{grant: access.Grant{Allowed: true, Role: rbac.RoleEditor}})
	cases := []Request{
		{RoomID: "", FieldName: "body"},
		{RoomID: "r|1|body", FieldName: "  "},
		{RoomID: "r|1|body", FieldName: "body", InitialValue: json.RawMessage(`"not blocks"`)},
	}
	for _, req := range cases {
		if _, err := issuer.IssueSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("IssueSession(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestIssueSessionAccessError(t *testing.T) {
	issuer, _, _ := newTestIssuer(t, &fakeAccess{err: errors.New("acl backend down")})
	_, err := issuer.IssueSession(context.Background(), Request{RoomID: "r|1|f", FieldName: "f"})
	if err == nil || errors.Is(err, ErrPermissionRequired) {
		t.Fatalf("IssueSession() error = %v, want backend error", err)
	}
}

func TestIssueSessionViewerCannotEdit(t *testing.T) {
	issuer, _, _ := newTestIssuer(t, &fakeAccess{grant: access.Grant{Allowed: true, Role: rbac.RoleViewer}})
	sess, err := issuer.IssueSession(context.Background(), Request{RoomID: "r|1|f", FieldName: "f"})
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	if sess.CanEdit {
		t.Fatal("viewer session must not be editable")
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{base: "", want: ""},
		{base: "http://localhost:8788", want: "ws://localhost:8788/collab/ws"},
		{base: "https://cms.example.com/admin/", want: "wss://cms.example.com/admin/collab/ws"},
		{base: "no-host", want: ""},
	}
	for _, tc := range cases {
		if got := websocketURL(tc.base, "/collab/ws"); got != tc.want {
			t.Fatalf("websocketURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
