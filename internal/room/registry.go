// Package room owns the in-memory CRDT document of every collaboration
// room. The Registry is the only place rooms are created or destroyed.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collab/api/internal/crdt"
	"collab/api/internal/metrics"
	"collab/api/internal/util"
)

var ErrRoomNotFound = errors.New("room not found")

// Snapshot is the persisted form of a room: enough to rebuild it after
// eviction or a restart.
type Snapshot struct {
	RoomID      string
	State       []byte
	Initialized bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SnapshotStore interface {
	LoadRoomSnapshot(ctx context.Context, roomID string) (Snapshot, bool, error)
	SaveRoomSnapshot(ctx context.Context, snapshot Snapshot) error
}

// Info is a point-in-time copy of a room's lifecycle metadata.
type Info struct {
	ID          string
	Initialized bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Room struct {
	id string

	// mu serializes every read and write of doc and the metadata below.
	mu          sync.Mutex
	doc         *crdt.Doc
	initialized bool
	createdAt   time.Time
	updatedAt   time.Time
	closed      bool
}

func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked()
}

func (r *Room) infoLocked() Info {
	return Info{
		ID:          r.id,
		Initialized: r.initialized,
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
	}
}

func (r *Room) touch(now time.Time) {
	if now.After(r.updatedAt) {
		r.updatedAt = now
	}
}

type Option func(*Registry)

func WithSnapshotStore(store SnapshotStore) Option {
	return func(r *Registry) { r.snapshots = store }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = collector }
}

type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	snapshots SnapshotStore
	metrics   *metrics.Collector
	now       func() time.Time
	// replica identifies this process as a CRDT writer.
	replica string
}

func NewRegistry(opts ...Option) *Registry {
	registry := &Registry{
		rooms:   make(map[string]*Room),
		now:     time.Now,
		replica: util.NewID("srv"),
	}
	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

// EnsureRoom returns the room for roomID, creating it (and hydrating it from
// the snapshot store when one is configured) on first reference. Concurrent
// callers for the same id always receive the same *Room.
func (r *Registry) EnsureRoom(ctx context.Context, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("ensure room: empty room id")
	}
	r.mu.RLock()
	existing, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	r.mu.Lock()
	if existing, ok := r.rooms[roomID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	now := r.now()
	room := &Room{
		id:        roomID,
		doc:       crdt.New(r.replica),
		createdAt: now,
		updatedAt: now,
	}
	room.doc.Observe(func(crdt.Event) { room.initialized = true })
	// Hold the room lock across insertion so nobody can use the document
	// before hydration finishes.
	room.mu.Lock()
	r.rooms[roomID] = room
	r.mu.Unlock()

	err := r.hydrate(ctx, room)
	if err != nil {
		room.closed = true
		room.mu.Unlock()
		r.mu.Lock()
		if r.rooms[roomID] == room {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		return nil, err
	}
	room.mu.Unlock()
	r.metrics.RoomOpened()
	return room, nil
}

func (r *Registry) hydrate(ctx context.Context, room *Room) error {
	if r.snapshots == nil {
		return nil
	}
	snapshot, found, err := r.snapshots.LoadRoomSnapshot(ctx, room.id)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", room.id, err)
	}
	if !found {
		return nil
	}
	if len(snapshot.State) > 0 {
		if err := room.doc.ApplyUpdate(snapshot.State, "snapshot"); err != nil {
			return fmt.Errorf("restore snapshot %s: %w", room.id, err)
		}
	}
	room.initialized = snapshot.Initialized || room.initialized
	if !snapshot.CreatedAt.IsZero() {
		room.createdAt = snapshot.CreatedAt
	}
	log.Printf("room: restored %s from snapshot (%d entries)", room.id, room.doc.Len())
	return nil
}

// withRoom runs fn with the room locked. A room closed by a concurrent
// eviction is replaced by a fresh lookup.
func (r *Registry) withRoom(ctx context.Context, roomID string, create bool, fn func(*Room) error) error {
	for {
		var room *Room
		if create {
			var err error
			room, err = r.EnsureRoom(ctx, roomID)
			if err != nil {
				return err
			}
		} else {
			var ok bool
			room, ok = r.Get(roomID)
			if !ok {
				return ErrRoomNotFound
			}
		}
		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			continue
		}
		err := fn(room)
		room.mu.Unlock()
		return err
	}
}

func (r *Registry) Get(roomID string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// Bootstrap seeds an empty, uninitialized room from payload. It reports
// whether anything was written; rooms that already hold content are left
// alone so a reconnecting client cannot clobber live edits.
func (r *Registry) Bootstrap(ctx context.Context, roomID string, payload []byte) (bool, error) {
	seeded := false
	var blocks []block
	err := r.withRoom(ctx, roomID, true, func(room *Room) error {
		// A live room ignores the payload, even a malformed one.
		if room.initialized || !room.doc.Empty() {
			return nil
		}
		var err error
		if blocks, err = decodeBlocks(payload); err != nil || len(blocks) == 0 {
			return err
		}
		now := r.now()
		if _, err := room.doc.Transact("bootstrap", func(txn *crdt.Txn) {
			writeBlocks(txn, blocks, now)
		}); err != nil {
			return fmt.Errorf("bootstrap %s: %w", roomID, err)
		}
		room.initialized = true
		room.touch(now)
		seeded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if seeded {
		log.Printf("room: bootstrapped %s with %d blocks", roomID, len(blocks))
	}
	return seeded, nil
}

// EncodeState returns the full document state of roomID, or nil when the
// room does not exist or cannot be encoded.
func (r *Registry) EncodeState(roomID string) []byte {
	var state []byte
	err := r.withRoom(context.Background(), roomID, false, func(room *Room) error {
		encoded, err := room.doc.EncodeState()
		if err != nil {
			return err
		}
		state = encoded
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			log.Printf("room: encode state %s: %v", roomID, err)
		}
		return nil
	}
	return state
}

// ApplyUpdate merges a peer update into roomID. A malformed update is
// dropped and reported with crdt.ErrMalformedUpdate; the room is unchanged.
func (r *Registry) ApplyUpdate(roomID string, update []byte, origin string) error {
	err := r.withRoom(context.Background(), roomID, false, func(room *Room) error {
		if err := room.doc.ApplyUpdate(update, origin); err != nil {
			return err
		}
		room.initialized = true
		room.touch(r.now())
		return nil
	})
	if err != nil {
		r.metrics.UpdateFailed()
		log.Printf("room: dropped update for %s from %s: %v", roomID, origin, err)
		return err
	}
	r.metrics.UpdateApplied()
	return nil
}

// DestroyRoom flushes and frees roomID unconditionally.
func (r *Registry) DestroyRoom(ctx context.Context, roomID string) error {
	_, err := r.destroy(ctx, roomID, false, nil)
	return err
}

// DestroyIfIdle evicts roomID when idle reports true. idle is evaluated
// with the room locked and again right before removal, so a connection that
// arrives during the snapshot flush keeps the room alive.
func (r *Registry) DestroyIfIdle(ctx context.Context, roomID string, idle func(Info) bool) (bool, error) {
	return r.destroy(ctx, roomID, true, idle)
}

func (r *Registry) destroy(ctx context.Context, roomID string, try bool, idle func(Info) bool) (bool, error) {
	room, ok := r.Get(roomID)
	if !ok {
		return false, nil
	}
	if try {
		// A busy room is by definition not idle.
		if !room.mu.TryLock() {
			return false, nil
		}
	} else {
		room.mu.Lock()
	}
	defer room.mu.Unlock()
	if room.closed {
		return false, nil
	}
	if idle != nil && !idle(room.infoLocked()) {
		return false, nil
	}
	if err := r.flush(ctx, room); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] != room {
		return false, nil
	}
	if idle != nil && !idle(room.infoLocked()) {
		return false, nil
	}
	delete(r.rooms, roomID)
	room.closed = true
	room.doc = nil
	r.metrics.RoomClosed()
	return true, nil
}

func (r *Registry) flush(ctx context.Context, room *Room) error {
	if r.snapshots == nil {
		return nil
	}
	state, err := room.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", room.id, err)
	}
	info := room.infoLocked()
	if err := r.snapshots.SaveRoomSnapshot(ctx, Snapshot{
		RoomID:      room.id,
		State:       state,
		Initialized: info.Initialized,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("save snapshot %s: %w", room.id, err)
	}
	return nil
}

// Rooms lists every live room sorted by id.
func (r *Registry) Rooms() []Info {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Close flushes and frees every room. A room whose flush fails stays
// registered and its error is returned with the others.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, info := range r.Rooms() {
		if err := r.DestroyRoom(ctx, info.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
