// Package reaper evicts rooms nobody has touched or joined for a while.
package reaper

import (
	"context"
	"log"
	"time"

	"collab/api/internal/metrics"
	"collab/api/internal/room"
)

// Rooms is the registry surface the reaper needs.
type Rooms interface {
	Rooms() []room.Info
	DestroyIfIdle(ctx context.Context, roomID string, idle func(room.Info) bool) (bool, error)
}

// ConnectionCounter reports live sockets per room. It must be the gateway's
// own membership view, never a cached copy.
type ConnectionCounter interface {
	ConnectionCount(roomID string) int
}

// TokenSweeper drops expired session tokens. Stores that expire tokens on
// their own do not implement it.
type TokenSweeper interface {
	Sweep() int
}

type Reaper struct {
	rooms     Rooms
	conns     ConnectionCounter
	tokens    TokenSweeper
	interval  time.Duration
	threshold time.Duration
	metrics   *metrics.Collector
	now       func() time.Time
}

const defaultInterval = 15 * time.Minute

// New builds a reaper. A non-positive interval uses the 15 minute default.
func New(rooms Rooms, conns ConnectionCounter, interval, threshold time.Duration, collector *metrics.Collector) *Reaper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reaper{
		rooms:     rooms,
		conns:     conns,
		interval:  interval,
		threshold: threshold,
		metrics:   collector,
		now:       time.Now,
	}
}

// WithTokens makes every pass also drop expired tokens from store.
func (r *Reaper) WithTokens(store TokenSweeper) *Reaper {
	r.tokens = store
	return r
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	log.Printf("reaper: sweeping every %s, threshold %s", r.interval, r.threshold)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every room with no connections whose last update is older
// than the threshold, and reports how many were evicted.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	idle := func(info room.Info) bool {
		return r.conns.ConnectionCount(info.ID) == 0 && now.Sub(info.UpdatedAt) > r.threshold
	}

	evicted := 0
	for _, info := range r.rooms.Rooms() {
		if ctx.Err() != nil {
			break
		}
		// Cheap pre-check; DestroyIfIdle evaluates the predicate again
		// under the room lock.
		if !idle(info) {
			continue
		}
		ok, err := r.rooms.DestroyIfIdle(ctx, info.ID, idle)
		if err != nil {
			log.Printf("reaper: evict %s: %v", info.ID, err)
			continue
		}
		if ok {
			evicted++
			log.Printf("reaper: evicted %s (idle since %s)", info.ID, info.UpdatedAt.Format(time.RFC3339))
		}
	}
	r.metrics.RoomsReaped(evicted)

	if r.tokens != nil {
		if removed := r.tokens.Sweep(); removed > 0 {
			log.Printf("reaper: dropped %d expired session tokens", removed)
		}
	}
	return evicted
}
