// Package ratelimit provides per-key, per-policy admission control using
// fixed-window counting. Counts live in a shared atomic counter backend when
// one is configured, with a capacity-bounded local fallback; when even the
// local map is full the limiter fails open rather than rejecting traffic.
//
// Fixed windows are a known trade-off: a client can burst up to twice a
// policy's max across a window boundary. This is accepted for the O(1)
// cost and the clean mapping onto an atomic increment-with-expiry backend.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/storage"
)

const (
	// DefaultMaxEntries caps the local fallback map.
	DefaultMaxEntries = 10000

	// DefaultCleanupInterval is how often stale local windows are removed.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultSharedTimeout bounds calls to the shared counter backend.
	DefaultSharedTimeout = 250 * time.Millisecond

	// expiryGrace is added to a shared counter's TTL so a window's count
	// survives slightly past the boundary for late arrivals.
	expiryGrace = time.Second
)

// ErrUnknownPolicy is returned when Check is called with a policy name that
// was not configured.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// Policy is a named fixed-window rate limit.
type Policy struct {
	Name   string
	Window time.Duration
	Max    int64
}

// DefaultPolicies returns the standard policy set: a per-second burst
// limit, a tight window for authentication attempts, a general API limit,
// and a slow lane for expensive export operations.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: "burst", Window: time.Second, Max: 50},
		{Name: "auth", Window: 15 * time.Minute, Max: 10},
		{Name: "api", Window: time.Minute, Max: 300},
		{Name: "export", Window: time.Hour, Max: 20},
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time

	// FailedOpen is set when the request was admitted uncounted because
	// both the shared backend and the local map were unable to track it.
	FailedOpen bool
}

// localWindow tracks one key's count in the current fixed window.
type localWindow struct {
	windowIndex int64
	count       int64
	lastAccess  time.Time
}

// Limiter checks requests against named fixed-window policies.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]Policy
	windows  map[string]*localWindow

	maxEntries      int
	cleanupInterval time.Duration
	shared          storage.Counters
	sharedTimeout   time.Duration
	logger          *slog.Logger
	inst            *instrumentation.Instrumentation

	now func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalFailOpen  int64
	totalFallbacks int64
	totalCleanups  int64
}

// Config holds limiter configuration.
type Config struct {
	// Policies are the named limits. Required, at least one.
	Policies []Policy

	// MaxEntries caps the local fallback map. 0 uses DefaultMaxEntries.
	MaxEntries int

	// CleanupInterval is how often stale local windows are swept.
	CleanupInterval time.Duration

	Logger *slog.Logger
}

// New creates a limiter with a background cleanup goroutine. Call Stop to
// terminate it.
func New(cfg Config) (*Limiter, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one policy is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	policies := make(map[string]Policy, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if p.Name == "" || p.Window <= 0 || p.Max <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid policy %q: window and max must be positive", p.Name)
		}
		if _, dup := policies[p.Name]; dup {
			return nil, fmt.Errorf("ratelimit: duplicate policy %q", p.Name)
		}
		policies[p.Name] = p
	}

	l := &Limiter{
		policies:        policies,
		windows:         make(map[string]*localWindow),
		maxEntries:      cfg.MaxEntries,
		cleanupInterval: cfg.CleanupInterval,
		sharedTimeout:   DefaultSharedTimeout,
		logger:          cfg.Logger,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l, nil
}

// SetShared attaches a shared atomic counter backend. When set, counts are
// kept there so that all replicas enforce one combined limit; backend
// failures fall back to the local map.
func (l *Limiter) SetShared(shared storage.Counters, timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shared = shared
	if timeout > 0 {
		l.sharedTimeout = timeout
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (l *Limiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	l.mu.Lock()
	l.inst = inst
	l.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterSizeCallbacks(nil, func() int64 {
			l.mu.Lock()
			defer l.mu.Unlock()
			return int64(len(l.windows))
		}); err != nil {
			l.logger.Warn("Failed to register rate limiter size gauge", "error", err)
		}
	}
}

// Check counts one request for key under the named policy and decides
// whether to admit it. Counting is at-least-once per key, not a total order
// of arrivals.
func (l *Limiter) Check(ctx context.Context, key, policyName string) (Decision, error) {
	l.mu.Lock()
	policy, ok := l.policies[policyName]
	shared := l.shared
	timeout := l.sharedTimeout
	inst := l.inst
	l.mu.Unlock()

	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policyName)
	}

	now := l.now()
	windowMs := policy.Window.Milliseconds()
	windowIndex := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((windowIndex + 1) * windowMs)

	var count int64
	counted := false

	if shared != nil {
		bucketKey := fmt.Sprintf("%s:%s:%d", policyName, key, windowIndex)
		sctx, cancel := context.WithTimeout(ctx, timeout)
		c, err := shared.Increment(sctx, bucketKey)
		if err == nil {
			// The increment is already counted; an Expire failure must not
			// re-count locally. The key is retried on the window's next
			// first hit and naturally stops being read once the window
			// index rolls over.
			count = c
			counted = true
			if c == 1 {
				// First hit of the window owns setting the TTL.
				if expErr := shared.Expire(sctx, bucketKey, policy.Window+expiryGrace); expErr != nil {
					l.logger.Warn("Failed to set shared counter expiry",
						"policy", policyName, "error", expErr)
				}
			}
		} else {
			l.logger.Warn("Shared counter backend unavailable, using local fallback",
				"policy", policyName, "error", err)
			l.mu.Lock()
			l.totalFallbacks++
			l.mu.Unlock()
			if inst != nil {
				inst.Metrics().RecordStoreFallback(ctx, "ratelimit")
			}
		}
		cancel()
	}

	if !counted {
		var full bool
		count, full = l.countLocal(policyName, key, windowIndex, now)
		if full {
			// Both paths exhausted. Admit uncounted rather than reject
			// legitimate traffic.
			l.logger.Warn("Rate limiter local map at capacity, failing open",
				"policy", policyName,
				"max_entries", l.maxEntries)
			if inst != nil {
				inst.Metrics().RateLimitFailOpen.Add(ctx, 1)
				inst.Metrics().RecordRateLimitDecision(ctx, policyName, true)
			}
			return Decision{
				Allowed:    true,
				Remaining:  0,
				ResetAt:    resetAt,
				FailedOpen: true,
			}, nil
		}
	}

	remaining := policy.Max - count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   count <= policy.Max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}

	if inst != nil {
		inst.Metrics().RecordRateLimitDecision(ctx, policyName, decision.Allowed)
	}
	if !decision.Allowed {
		l.logger.Debug("Rate limit exceeded",
			"policy", policyName,
			"count", count,
			"max", policy.Max,
			"reset_at", resetAt)
	}
	return decision, nil
}

// countLocal increments key's count in the local map, resetting it when the
// window has rolled over. Returns full=true when a new entry would exceed
// the map's capacity.
func (l *Limiter) countLocal(policyName, key string, windowIndex int64, now time.Time) (count int64, full bool) {
	mapKey := policyName + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[mapKey]
	if !exists {
		if len(l.windows) >= l.maxEntries {
			l.totalFailOpen++
			return 0, true
		}
		w = &localWindow{windowIndex: windowIndex}
		l.windows[mapKey] = w
	}
	if w.windowIndex != windowIndex {
		w.windowIndex = windowIndex
		w.count = 0
	}
	w.count++
	w.lastAccess = now
	return w.count, false
}

// cleanupLoop periodically removes local windows that have rolled over.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes local entries whose window has passed. Each pass runs to
// completion under the lock; passes never overlap.
func (l *Limiter) Cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		policyName, _, _ := cutPolicyKey(key)
		policy, ok := l.policies[policyName]
		if !ok {
			delete(l.windows, key)
			removed++
			continue
		}
		currentIndex := now.UnixMilli() / policy.Window.Milliseconds()
		if w.windowIndex < currentIndex {
			delete(l.windows, key)
			removed++
		}
	}

	if removed > 0 {
		l.totalCleanups++
		l.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.windows),
			"total_cleanups", l.totalCleanups)
	}
}

// cutPolicyKey splits a local map key back into policy name and key.
func cutPolicyKey(mapKey string) (policy, key string, ok bool) {
	for i := 0; i < len(mapKey); i++ {
		if mapKey[i] == ':' {
			return mapKey[:i], mapKey[i+1:], true
		}
	}
	return mapKey, "", false
}

// Stop terminates the background cleanup goroutine. Safe to call more than
// once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

// Stats holds limiter statistics for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalFailOpen  int64
	TotalFallbacks int64
	TotalCleanups  int64
	MemoryPressure float64 // percentage of local capacity used
}

// GetStats returns a snapshot of limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(l.windows),
		MaxEntries:     l.maxEntries,
		TotalFailOpen:  l.totalFailOpen,
		TotalFallbacks: l.totalFallbacks,
		TotalCleanups:  l.totalCleanups,
	}
	if l.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(l.maxEntries) * 100.0
	}
	return stats
}
