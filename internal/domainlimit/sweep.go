// SPDX-License-Identifier: MIT

package domainlimit

import (
	"context"
	"time"

	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
)

// sweepInterval derives the sweep cadence from the state TTL, capped at one
// minute so long TTLs do not delay cleanup indefinitely.
func (l *Limiter) sweepInterval() time.Duration {
	interval := l.cfg.StateTTL / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Run sweeps idle state until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	logger := log.WithComponent("domainlimit")
	ticker := time.NewTicker(l.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("domain state sweeper stopped")
			return
		case <-ticker.C:
			removed := l.Sweep(l.clock())
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("swept idle domain state")
			}
		}
	}
}

// Sweep removes domain and drone states with zero concurrency whose
// lastTouched is older than the configured TTL. Returns the number of states
// removed.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.cfg.StateTTL)
	removed := 0

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, ds := range l.drones {
		ds.mu.Lock()
		idle := ds.concurrency == 0 && ds.lastTouched.Before(cutoff)
		ds.mu.Unlock()
		if idle {
			delete(l.drones, key)
			removed++
		}
	}
	for domain, gs := range l.domains {
		gs.mu.Lock()
		idle := gs.concurrency == 0 && gs.lastTouched.Before(cutoff)
		gs.mu.Unlock()
		if idle {
			delete(l.domains, domain)
			metrics.DeleteDomainSessions(domain)
			removed++
		}
	}
	metrics.SetDomainStatesTracked(len(l.domains) + len(l.drones))
	return removed
}
