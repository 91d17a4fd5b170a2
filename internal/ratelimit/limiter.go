// Package ratelimit implements per-owner sliding-window admission control.
//
// Each owner has a log of request timestamps. A request is admitted when,
// for every window, fewer than Max earlier requests fall inside it. The
// log is compacted once it grows past twice the largest Max, so lookups of
// the k-th most recent entry stay O(1) and memory stays bounded.
package ratelimit

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// Window allows at most Max requests in any trailing Duration.
type Window struct {
	Duration time.Duration
	Max      int
}

// DefaultWindows returns the production limits.
func DefaultWindows() []Window {
	return []Window{
		{Duration: time.Second, Max: 20},
		{Duration: time.Minute, Max: 100},
		{Duration: 10 * time.Minute, Max: 500},
		{Duration: time.Hour, Max: 1000},
	}
}

// Decision is the outcome of one admission check. When Allowed is false,
// Window is the window that was exceeded and RetryAfter is how long until
// it frees up.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Window     time.Duration
}

// Limiter tracks request logs for every owner. Owners never contend with
// each other except for the brief map lookup.
type Limiter struct {
	clock   clock.Clock
	windows []Window
	keep    int

	mu   sync.RWMutex
	logs map[models.OwnerID]*requestLog
}

type requestLog struct {
	mu      sync.Mutex
	stamps  []int64
	evicted bool
}

// New returns a Limiter enforcing windows, checked shortest first.
func New(clk clock.Clock, windows []Window) (*Limiter, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one window is required")
	}
	sorted := slices.Clone(windows)
	slices.SortFunc(sorted, func(a, b Window) int { return int(a.Duration - b.Duration) })
	keep := 0
	for _, w := range sorted {
		if w.Duration <= 0 || w.Max <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid window %v/%d", w.Duration, w.Max)
		}
		keep = max(keep, w.Max)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		clock:   clk,
		windows: sorted,
		keep:    keep,
		logs:    make(map[models.OwnerID]*requestLog),
	}, nil
}

// Admit records a request for owner and decides whether it may proceed.
// Denied requests are recorded too, so a client that keeps hammering stays
// throttled.
func (l *Limiter) Admit(owner models.OwnerID) Decision {
	for {
		log := l.logFor(owner)
		log.mu.Lock()
		if log.evicted {
			log.mu.Unlock()
			continue
		}
		decision := l.admitLocked(log)
		log.mu.Unlock()
		return decision
	}
}

func (l *Limiter) admitLocked(log *requestLog) Decision {
	now := l.clock.Now().UnixNano()
	log.stamps = append(log.stamps, now)
	n := len(log.stamps)

	decision := Decision{Allowed: true}
	for _, w := range l.windows {
		// The w.Max-th most recent request before this one.
		i := n - 1 - w.Max
		if i < 0 {
			continue
		}
		age := time.Duration(now - log.stamps[i])
		if age < w.Duration {
			decision = Decision{RetryAfter: w.Duration - age, Window: w.Duration}
			break
		}
	}

	if n >= 2*l.keep {
		log.stamps = slices.Clone(log.stamps[n-l.keep:])
	}
	return decision
}

func (l *Limiter) logFor(owner models.OwnerID) *requestLog {
	l.mu.RLock()
	log, ok := l.logs[owner]
	l.mu.RUnlock()
	if ok {
		return log
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if log, ok = l.logs[owner]; !ok {
		log = &requestLog{stamps: make([]int64, 0, 16)}
		l.logs[owner] = log
	}
	return log
}

// Sweep drops the logs of owners whose latest request is older than idle,
// and returns how many were dropped. idle shorter than the largest window
// would forget requests that still count, so it is raised to that.
func (l *Limiter) Sweep(idle time.Duration) int {
	idle = max(idle, l.windows[len(l.windows)-1].Duration)
	cutoff := l.clock.Now().Add(-idle).UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for owner, log := range l.logs {
		log.mu.Lock()
		if len(log.stamps) == 0 || log.stamps[len(log.stamps)-1] < cutoff {
			log.evicted = true
			delete(l.logs, owner)
			dropped++
		}
		log.mu.Unlock()
	}
	return dropped
}

// Tracked returns the number of owners with a live log.
func (l *Limiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.logs)
}
