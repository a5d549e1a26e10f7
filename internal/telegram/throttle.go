package telegram

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler allows each user one update per interval. Idle limiters are
// dropped on the next sweep.
type Throttler struct {
	mu       sync.Mutex
	interval time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	lastGC   time.Time
	users    map[int64]*userLimiter
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		interval: interval,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		users:    make(map[int64]*userLimiter),
	}
}

func (t *Throttler) Allow(userID int64) bool {
	if t == nil || t.interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	u, ok := t.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.users[userID] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}

func (t *Throttler) sweep(now time.Time) {
	if now.Sub(t.lastGC) < t.idleTTL {
		return
	}
	t.lastGC = now
	for id, u := range t.users {
		if now.Sub(u.lastSeen) > t.idleTTL {
			delete(t.users, id)
		}
	}
}
