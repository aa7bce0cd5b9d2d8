package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"collab/api/internal/room"
	"collab/api/internal/session"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeCounter) ConnectionCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[roomID]
}

func (f *fakeCounter) set(roomID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[roomID] = n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*Reaper, *room.Registry, *fakeCounter, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	registry := room.NewRegistry(room.WithClock(clk.Now))
	counter := &fakeCounter{counts: make(map[string]int)}
	r := New(registry, counter, time.Minute, time.Hour, nil)
	r.now = clk.Now
	return r, registry, counter, clk
}

func TestSweepEvictsStaleIdleRoom(t *testing.T) {
	r, registry, _, clk := setup(t)
	ctx := context.Background()
	if _, err := registry.EnsureRoom(ctx, "stale|1|body"); err != nil {
		t.Fatalf("EnsureRoom() error = %v", err)
	}

	clk.Advance(2 * time.Hour)
	if got := r.Sweep(ctx); got != 1 {
		t.Fatalf("Sweep() = %d, want 1", got)
	}
	if _, ok := registry.Get("stale|1|body"); ok {
		t.Fatal("stale room still registered")
	}
}

func TestSweepNeverEvictsLiveRoom(t *testing.T) {
	r, registry, counter, clk := setup(t)
	ctx := context.Background()
	if _, err := registry.EnsureRoom(ctx, "live|1|body"); err != nil {
		t.Fatalf("EnsureRoom() error = %v", err)
	}
	counter.set("live|1|body", 1)

	clk.Advance(48 * time.Hour)
	if got := r.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep() = %d, want 0", got)
	}
	if _, ok := registry.Get("live|1|body"); !ok {
		t.Fatal("room with a live connection was evicted")
	}

	counter.set("live|1|body", 0)
	if got := r.Sweep(ctx); got != 1 {
		t.Fatalf("Sweep() after disconnect = %d, want 1", got)
	}
}

func TestSweepKeepsFreshRoom(t *testing.T) {
	r, registry, _, clk := setup(t)
	ctx := context.Background()
	if _, err := registry.EnsureRoom(ctx, "fresh|1|body"); err != nil {
		t.Fatalf("EnsureRoom() error = %v", err)
	}
	clk.Advance(30 * time.Minute)
	if got := r.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep() = %d, want 0", got)
	}
	if registry.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", registry.Len())
	}
}

func TestSweepRechecksConnectionsBeforeEviction(t *testing.T) {
	r, registry, counter, clk := setup(t)
	ctx := context.Background()
	if _, err := registry.EnsureRoom(ctx, "race|1|body"); err != nil {
		t.Fatalf("EnsureRoom() error = %v", err)
	}
	clk.Advance(2 * time.Hour)

	// A socket joins between the listing and the eviction.
	rooms := &joiningRooms{Registry: registry, onDestroy: func() { counter.set("race|1|body", 1) }}
	r.rooms = rooms
	if got := r.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep() = %d, want 0", got)
	}
	if _, ok := registry.Get("race|1|body"); !ok {
		t.Fatal("room evicted although a connection arrived")
	}
}

type joiningRooms struct {
	*room.Registry
	onDestroy func()
}

func (j *joiningRooms) DestroyIfIdle(ctx context.Context, roomID string, idle func(room.Info) bool) (bool, error) {
	j.onDestroy()
	return j.Registry.DestroyIfIdle(ctx, roomID, idle)
}

func TestSweepDropsExpiredTokens(t *testing.T) {
	r, _, _, _ := setup(t)
	store := session.NewMemoryStore()
	_ = store.Save(context.Background(), session.Token{Token: "old", ExpiresAt: time.Now().Add(50 * time.Millisecond)})
	r.WithTokens(store)

	time.Sleep(100 * time.Millisecond)
	r.Sweep(context.Background())
	if store.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", store.Len())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, registry, _, clk := setup(t)
	r.interval = 10 * time.Millisecond
	if _, err := registry.EnsureRoom(context.Background(), "tick|1|body"); err != nil {
		t.Fatalf("EnsureRoom() error = %v", err)
	}
	clk.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if registry.Len() != 0 {
		t.Fatal("Run() never evicted the stale room")
	}
}

func TestNewDefaultsNonPositiveInterval(t *testing.T) {
	counter := &fakeCounter{counts: make(map[string]int)}
	for _, interval := range []time.Duration{0, -time.Second} {
		r := New(room.NewRegistry(), counter, interval, time.Hour, nil)
		if r.interval != defaultInterval {
			t.Fatalf("New(interval=%v).interval = %v, want %v", interval, r.interval, defaultInterval)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := r.Run(ctx); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
}
