// SPDX-License-Identifier: MIT

// Package domainlimit enforces per-destination politeness limits. A lease is
// one unit of concurrency credit against a registrable domain, granted
// non-blocking and released exactly once.
//
// Callers are expected to pass a domain already reduced to its registrable
// form (the scheduler normalises task domains through psl.RegistrableDomain
// at submission); the limiter still lower-cases defensively.
package domainlimit

import (
	"strings"
	"sync"
	"time"

	"github.com/hivemesh/hive/internal/metrics"
)

// DenyReason explains a refused acquire.
type DenyReason string

const (
	DenyNone              DenyReason = ""
	DenyCooldown          DenyReason = "cooldown"
	DenyGlobalConcurrency DenyReason = "global_concurrency"
	DenyDroneConcurrency  DenyReason = "per_drone_concurrency"
	DenyDroneQPS          DenyReason = "per_drone_qps"
)

// Config tunes the limiter. Zero BurstLimit disables burst cooldown.
type Config struct {
	GlobalMaxSessions   int
	ConcurrencyPerDrone int
	QPSPerDrone         float64
	BurstLimit          int
	Cooldown            time.Duration
	StateTTL            time.Duration
}

// qpsWindow is the sliding window the per-drone QPS check counts over.
const qpsWindow = time.Second

type globalState struct {
	mu          sync.Mutex
	concurrency int
	lastTouched time.Time
}

type droneState struct {
	mu            sync.Mutex
	concurrency   int
	recent        []time.Time // acquires within the last second
	burst         []time.Time // acquires within the cooldown window
	cooldownUntil time.Time
	lastTouched   time.Time
}

type droneKey struct {
	droneID string
	domain  string
}

// Limiter tracks per-domain and per-(drone,domain) admission state.
type Limiter struct {
	cfg   Config
	clock func() time.Time

	mu      sync.Mutex
	domains map[string]*globalState
	drones  map[droneKey]*droneState
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.clock = now }
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clock:   time.Now,
		domains: make(map[string]*globalState),
		drones:  make(map[droneKey]*droneState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lease is one unit of domain-concurrency credit. Release is idempotent.
type Lease struct {
	DroneID string
	Domain  string

	once    sync.Once
	release func()
}

// Release returns the credit. Safe to call more than once; only the first
// call has effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

func (l *Limiter) states(droneID, domain string) (*globalState, *droneState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gs, ok := l.domains[domain]
	if !ok {
		gs = &globalState{}
		l.domains[domain] = gs
	}
	key := droneKey{droneID: droneID, domain: domain}
	ds, ok := l.drones[key]
	if !ok {
		ds = &droneState{}
		l.drones[key] = ds
	}
	return gs, ds
}

// TryAcquire grants a lease for one command from droneID against domain, or
// denies with a reason. Never blocks and never waits under its locks.
func (l *Limiter) TryAcquire(droneID, domain string) (*Lease, DenyReason) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	now := l.clock()
	gs, ds := l.states(droneID, domain)

	// Lock order is fixed (global, then drone) everywhere in this package.
	gs.mu.Lock()
	defer gs.mu.Unlock()
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.recent = trimBefore(ds.recent, now.Add(-qpsWindow))

	if now.Before(ds.cooldownUntil) {
		metrics.IncDomainDenied(string(DenyCooldown))
		return nil, DenyCooldown
	}
	if gs.concurrency >= l.cfg.GlobalMaxSessions {
		metrics.IncDomainDenied(string(DenyGlobalConcurrency))
		return nil, DenyGlobalConcurrency
	}
	if ds.concurrency >= l.cfg.ConcurrencyPerDrone {
		metrics.IncDomainDenied(string(DenyDroneConcurrency))
		return nil, DenyDroneConcurrency
	}
	if float64(len(ds.recent)) >= l.cfg.QPSPerDrone {
		metrics.IncDomainDenied(string(DenyDroneQPS))
		return nil, DenyDroneQPS
	}

	ds.recent = append(ds.recent, now)
	if l.cfg.BurstLimit > 0 {
		ds.burst = trimBefore(ds.burst, now.Add(-l.cfg.Cooldown))
		ds.burst = append(ds.burst, now)
		if len(ds.burst) >= l.cfg.BurstLimit {
			ds.cooldownUntil = now.Add(l.cfg.Cooldown)
			ds.burst = ds.burst[:0]
		}
	}

	gs.concurrency++
	ds.concurrency++
	gs.lastTouched = now
	ds.lastTouched = now
	metrics.SetDomainSessionsActive(domain, gs.concurrency)

	return &Lease{
		DroneID: droneID,
		Domain:  domain,
		release: func() { l.releaseLease(droneID, domain) },
	}, DenyNone
}

func (l *Limiter) releaseLease(droneID, domain string) {
	now := l.clock()
	gs, ds := l.states(droneID, domain)

	gs.mu.Lock()
	defer gs.mu.Unlock()
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if gs.concurrency > 0 {
		gs.concurrency--
	}
	if ds.concurrency > 0 {
		ds.concurrency--
	}
	gs.lastTouched = now
	ds.lastTouched = now
	metrics.SetDomainSessionsActive(domain, gs.concurrency)
}

// ActiveSessions reports the current concurrency for a domain.
func (l *Limiter) ActiveSessions(domain string) int {
	domain = strings.ToLower(strings.TrimSpace(domain))
	l.mu.Lock()
	gs, ok := l.domains[domain]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.concurrency
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
