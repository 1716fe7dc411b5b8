// SPDX-License-Identifier: MIT

package hub

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultGuardRate  rate.Limit = 50
	defaultGuardBurst            = 100

	guardCleanupInterval = 5 * time.Minute
	guardEntryIdle       = 10 * time.Minute
)

// floodGuard rate-limits inbound envelopes per connection so one misbehaving
// drone cannot starve the hub loop. Idle entries are swept opportunistically.
type floodGuard struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	entries     map[string]*guardEntry
	lastCleanup time.Time
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newFloodGuard(limit rate.Limit, burst int) *floodGuard {
	return &floodGuard{
		limit:       limit,
		burst:       burst,
		entries:     make(map[string]*guardEntry),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether an envelope from the given connection may proceed.
func (g *floodGuard) Allow(key string) bool {
	now := time.Now()
	g.mu.Lock()
	if now.Sub(g.lastCleanup) > guardCleanupInterval {
		for k, e := range g.entries {
			if now.Sub(e.lastSeen) > guardEntryIdle {
				delete(g.entries, k)
			}
		}
		g.lastCleanup = now
	}
	entry, ok := g.entries[key]
	if !ok {
		entry = &guardEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.entries[key] = entry
	}
	entry.lastSeen = now
	g.mu.Unlock()

	return entry.limiter.Allow()
}
