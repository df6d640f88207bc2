// Package backpressure implements the per-room ingress limiter: each room
// gets a token bucket, and new submissions for a room whose bucket is empty
// are throttled, surfaced to local clients as RateLimited and to peers as a
// retry-later response. The limit depends only on the rate of submissions;
// the length of a room's pipeline queue is not consulted.
package backpressure

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the token-bucket shape applied per room.
type Config struct {
	// Enabled toggles limiting entirely; disabled is the correct default for
	// single-tenant or trusted-federation deployments doing their own shaping.
	Enabled bool
	// Threshold is the bucket burst size and, combined with Cooloff, the
	// steady-state refill rate: threshold events allowed per Cooloff window.
	Threshold int64
	Cooloff   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per room, matching the per-room
// serialization the event pipeline already does. A bucket refills at
// Threshold per Cooloff whatever the depth of the room's actor queue.
type Limiter struct {
	cfg   Config
	mu    sync.Mutex
	rooms map[string]*limiterEntry
	stop  chan struct{}
	once  sync.Once
}

// New constructs a Limiter and, if enabled, starts its background entry
// reaper. Callers must call Stop when finished to avoid leaking that
// goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:   cfg,
		rooms: make(map[string]*limiterEntry),
		stop:  make(chan struct{}),
	}
	if cfg.Enabled {
		go l.clean()
	}
	return l
}

func (l *Limiter) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mu.Lock()
			for room, entry := range l.rooms {
				if entry.lastSeen.Before(cutoff) {
					delete(l.rooms, room)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop halts the background reaper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a new submission for roomID may proceed immediately.
// Rooms are never blocked outright (Threshold <= 0 is treated as unlimited,
// since an operator who sets zero almost certainly meant "no override"
// rather than "wedge this room forever").
func (l *Limiter) Allow(roomID string) bool {
	if !l.cfg.Enabled || l.cfg.Threshold <= 0 || l.cfg.Cooloff <= 0 {
		return true
	}
	return l.limiterFor(roomID).Allow()
}

// limiterFor returns roomID's token bucket, creating it on first use with a
// refill rate of Threshold per Cooloff and a burst of Threshold, and marks
// the entry as recently seen for the background reaper.
func (l *Limiter) limiterFor(roomID string) *rate.Limiter {
	requestsPerSecond := rate.Limit(float64(l.cfg.Threshold) * float64(time.Second) / float64(l.cfg.Cooloff))
	if requestsPerSecond <= 0 {
		requestsPerSecond = rate.Limit(1)
	}
	burst := int(l.cfg.Threshold)
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.rooms[roomID]
	if ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(requestsPerSecond, burst)
	l.rooms[roomID] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}
