// Package gateway is the WebSocket endpoint of the collaboration engine.
// It admits sockets into rooms with single-use session tokens and relays
// CRDT updates and presence between the members of each room.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"collab/api/internal/metrics"
	"collab/api/internal/room"
	"collab/api/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultPingPeriod       = 30 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultSendQueue        = 256
	maxFrameBytes           = 8 << 20
)

var errShuttingDown = errors.New("gateway shutting down")

// Rooms is the part of the room registry the gateway drives.
type Rooms interface {
	EnsureRoom(ctx context.Context, roomID string) (*room.Room, error)
	EncodeState(roomID string) []byte
	ApplyUpdate(roomID string, update []byte, origin string) error
}

type Option func(*Gateway)

func WithMetrics(collector *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = collector }
}

// WithTimeouts overrides the handshake, pong, ping and write deadlines.
// Zero values keep the defaults.
func WithTimeouts(handshake, pongWait, pingPeriod, writeWait time.Duration) Option {
	return func(g *Gateway) {
		if handshake > 0 {
			g.handshakeTimeout = handshake
		}
		if pongWait > 0 {
			g.pongWait = pongWait
		}
		if pingPeriod > 0 {
			g.pingPeriod = pingPeriod
		}
		if writeWait > 0 {
			g.writeWait = writeWait
		}
	}
}

func WithSendQueue(size int) Option {
	return func(g *Gateway) {
		if size > 0 {
			g.sendQueue = size
		}
	}
}

type Gateway struct {
	rooms    Rooms
	tokens   session.TokenStore
	upgrader websocket.Upgrader
	metrics  *metrics.Collector

	handshakeTimeout time.Duration
	pongWait         time.Duration
	pingPeriod       time.Duration
	writeWait        time.Duration
	sendQueue        int

	// mu guards members, pending and closed. members is the authoritative
	// view of who is connected to each room; pending counts handshakes
	// waiting on EnsureRoom.
	mu      sync.RWMutex
	members map[string]map[*conn]struct{}
	pending map[string]int
	closed  bool

	active sync.WaitGroup
}

func New(rooms Rooms, tokens session.TokenStore, allowedOrigins []string, opts ...Option) *Gateway {
	g := &Gateway{
		rooms:            rooms,
		tokens:           tokens,
		members:          make(map[string]map[*conn]struct{}),
		pending:          make(map[string]int),
		handshakeTimeout: defaultHandshakeTimeout,
		pongWait:         defaultPongWait,
		pingPeriod:       defaultPingPeriod,
		writeWait:        defaultWriteWait,
		sendQueue:        defaultSendQueue,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// originChecker allows every origin when the list is empty or holds "*".
// Requests without an Origin header come from non-browser clients and are
// allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.metrics.Handshake("upgrade_failed")
		log.Printf("gateway: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	if !g.track() {
		g.metrics.Handshake("shutting_down")
		g.reject(ws, CodeRoomUnavailable, "server is shutting down", websocket.CloseGoingAway)
		return
	}
	defer g.active.Done()
	ws.SetReadLimit(maxFrameBytes)

	token, err := g.authenticate(r.Context(), ws, r.URL.Query().Get("token"))
	if err != nil {
		g.metrics.Handshake("invalid_token")
		g.reject(ws, CodeInvalidToken, "session token is missing, expired or already used", websocket.ClosePolicyViolation)
		return
	}

	c := newConn(uuid.NewString(), ws, g.sendQueue)
	c.roomID = token.RoomID
	c.user = token.User
	c.role = token.Role
	c.canEdit = token.CanEdit()

	// The reservation counts as a connection so the reaper never evicts a
	// room that is still being opened.
	if !g.reserve(c.roomID) {
		g.metrics.Handshake("shutting_down")
		g.reject(ws, CodeRoomUnavailable, "server is shutting down", websocket.CloseGoingAway)
		return
	}
	if _, err := g.rooms.EnsureRoom(r.Context(), c.roomID); err != nil {
		g.release(c.roomID)
		g.metrics.Handshake("room_unavailable")
		log.Printf("gateway: open room %s: %v", c.roomID, err)
		g.reject(ws, CodeRoomUnavailable, "room could not be loaded", websocket.CloseInternalServerErr)
		return
	}
	peers, err := g.admit(c)
	if err != nil {
		g.metrics.Handshake("shutting_down")
		g.reject(ws, CodeRoomUnavailable, "server is shutting down", websocket.CloseGoingAway)
		return
	}
	g.metrics.Handshake("ok")
	g.metrics.ConnectionJoined()
	log.Printf("gateway: %s joined %s (user=%s role=%s peers=%d)", c.id, c.roomID, c.user.ID, c.role, peers)

	go c.writePump(g.pingPeriod, g.writeWait)

	g.readLoop(c)

	g.leave(c)
	c.close(websocket.CloseNormalClosure)
}

// authenticate consumes the session token from the query string or, when
// absent, from the first text frame.
func (g *Gateway) authenticate(ctx context.Context, ws *websocket.Conn, queryToken string) (session.Token, error) {
	value := strings.TrimSpace(queryToken)
	if value == "" {
		_ = ws.SetReadDeadline(time.Now().Add(g.handshakeTimeout))
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return session.Token{}, err
		}
		_ = ws.SetReadDeadline(time.Time{})
		var msg clientMessage
		if kind != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Type != "auth" {
			return session.Token{}, session.ErrInvalidToken
		}
		value = strings.TrimSpace(msg.Token)
	}
	if value == "" {
		return session.Token{}, session.ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, g.handshakeTimeout)
	defer cancel()
	token, err := g.tokens.Consume(ctx, value)
	if err != nil {
		if !errors.Is(err, session.ErrInvalidToken) {
			log.Printf("gateway: consume token: %v", err)
		}
		return session.Token{}, err
	}
	return token, nil
}

// reject sends an error event and closes a socket whose write pump never
// started.
func (g *Gateway) reject(ws *websocket.Conn, code, message string, closeCode int) {
	deadline := time.Now().Add(g.writeWait)
	_ = ws.SetWriteDeadline(deadline)
	if data, err := json.Marshal(errorFrame(code, message)); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), deadline)
	_ = ws.Close()
}

func (g *Gateway) readLoop(c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("gateway: read from %s: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.pongWait))

		switch kind {
		case websocket.BinaryMessage:
			g.handleBinary(c, data)
		case websocket.TextMessage:
			g.handleText(c, data)
		}
	}
}

func (g *Gateway) handleBinary(c *conn, frame []byte) {
	if len(frame) == 0 || frame[0] != frameUpdate {
		c.sendJSON(errorFrame(CodeBadFrame, "expected an update frame"))
		return
	}
	if !c.canEdit {
		c.sendJSON(errorFrame(CodeReadOnly, "this session cannot edit the document"))
		return
	}
	if err := g.rooms.ApplyUpdate(c.roomID, frame[1:], c.id); err != nil {
		c.sendJSON(errorFrame(CodeUpdateFailed, "update could not be applied"))
		return
	}
	// Relay the frame exactly as received.
	g.broadcast(c, func(peer *conn) { peer.sendBinary(frame) })
}

func (g *Gateway) handleText(c *conn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendJSON(errorFrame(CodeBadFrame, "text frames must be JSON events"))
		return
	}
	switch msg.Type {
	case "awareness":
		payload := msg.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		event := awarenessEvent{Type: "awareness", ConnectionID: c.id, User: c.user, Payload: payload}
		g.broadcast(c, func(peer *conn) { peer.sendJSON(event) })
	case "auth":
		// Already authenticated; clients may resend on reconnect races.
	default:
		c.sendJSON(errorFrame(CodeBadFrame, "unknown event type"))
	}
}

// track registers a running handler unless shutdown has begun.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active.Add(1)
	return true
}

// reserve holds a place in roomID for a connection whose room is still
// loading.
func (g *Gateway) reserve(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.pending[roomID]++
	return true
}

func (g *Gateway) release(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropReservation(roomID)
}

func (g *Gateway) dropReservation(roomID string) {
	if g.pending[roomID] <= 1 {
		delete(g.pending, roomID)
		return
	}
	g.pending[roomID]--
}

// admit turns c's reservation into membership. The joined event, the sync
// frame and one presence-join per existing peer are queued on c, and c is
// announced to those peers, all before any other goroutine can see c. Every
// later broadcast in the room therefore reaches c after them.
func (g *Gateway) admit(c *conn) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropReservation(c.roomID)
	if g.closed {
		return 0, errShuttingDown
	}

	c.sendJSON(joinedEvent{Type: "joined", ConnectionID: c.id, RoomID: c.roomID, Role: c.role, CanEdit: c.canEdit})
	if state := g.rooms.EncodeState(c.roomID); state != nil {
		c.sendBinary(binaryFrame(frameSync, state))
	}

	set := g.members[c.roomID]
	if set == nil {
		set = make(map[*conn]struct{})
		g.members[c.roomID] = set
	}
	announce := presence("join", c)
	for peer := range set {
		c.sendJSON(presence("join", peer))
		peer.sendJSON(announce)
	}
	peers := len(set)
	set[c] = struct{}{}
	return peers, nil
}

// remove drops c from its room and returns the members left behind. The
// snapshot is taken under the same lock so a connection admitted later
// never gets a leave for a peer it was not told about.
func (g *Gateway) remove(c *conn) ([]*conn, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.members[c.roomID]
	if _, ok := set[c]; !ok {
		return nil, false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(g.members, c.roomID)
	}
	peers := make([]*conn, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}
	return peers, true
}

func (g *Gateway) leave(c *conn) {
	peers, ok := g.remove(c)
	if !ok {
		return
	}
	g.metrics.ConnectionLeft()
	log.Printf("gateway: %s left %s", c.id, c.roomID)
	event := presence("leave", c)
	for _, peer := range peers {
		peer.sendJSON(event)
	}
}

// broadcast calls fn for every current member of c's room except c.
func (g *Gateway) broadcast(c *conn, fn func(*conn)) {
	g.mu.RLock()
	peers := make([]*conn, 0, len(g.members[c.roomID]))
	for peer := range g.members[c.roomID] {
		if peer != c {
			peers = append(peers, peer)
		}
	}
	g.mu.RUnlock()
	for _, peer := range peers {
		fn(peer)
	}
}

// ConnectionCount reports how many sockets are joined to, or opening,
// roomID right now.
func (g *Gateway) ConnectionCount(roomID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members[roomID]) + g.pending[roomID]
}

// Shutdown refuses new joins, closes every socket and waits for their
// handlers to finish or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	var conns []*conn
	for _, set := range g.members {
		for c := range set {
			conns = append(conns, c)
		}
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
