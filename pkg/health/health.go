// Package health serves the /livez and /readyz endpoints of the registration
// API.
//
// Checks run in the background on a ticker. The endpoints report the last
// recorded outcome, so a slow database never stalls an orchestrator poll.
package health

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Kind selects the endpoint a check contributes to.
type Kind uint8

const (
	// Liveness checks decide whether the process should be restarted.
	Liveness Kind = iota
	// Readiness checks decide whether the process should receive traffic.
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Defaults applied by Add.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultFailures = 3
)

// Check is a single named health check.
type Check struct {
	Name string
	Kind Kind
	// Timeout bounds one run of Func.
	Timeout time.Duration
	// Failures is the number of consecutive failed runs after which the
	// check reports unhealthy. One successful run recovers it.
	Failures int
	Func     func(ctx context.Context) error
}

// result is the last recorded outcome of a check.
type result struct {
	healthy bool
	err     error
	since   time.Time
}

type state struct {
	Check

	// fails is owned by the goroutine running the check.
	fails int
	last  atomic.Pointer[result]
}

// run executes the check once and reports whether its health changed.
func (s *state) run(ctx context.Context, now time.Time) (changed bool) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	err := s.Func(ctx)
	prev := s.last.Load()
	healthy := prev.healthy
	if err == nil {
		s.fails = 0
		healthy = true
	} else {
		s.fails++
		if s.fails >= s.Failures {
			healthy = false
		}
	}

	next := &result{healthy: healthy, err: err, since: prev.since}
	if healthy != prev.healthy {
		next.since = now
	}
	s.last.Store(next)
	return healthy != prev.healthy
}

// Health owns the checks of one process.
type Health struct {
	ready atomic.Bool
	now   func() time.Time

	mu     sync.RWMutex
	checks []*state
	cancel context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{now: time.Now}
}

// Add registers c. Checks start healthy and must be added before Start.
func (h *Health) Add(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Failures <= 0 {
		c.Failures = DefaultFailures
	}
	s := &state{Check: c}
	s.last.Store(&result{healthy: true, since: h.now()})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, s)
}

func (h *Health) snapshot(kind Kind) []*state {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*state
	for _, s := range h.checks {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// RunChecks runs every check once, sequentially. The server calls it before
// Start so the first /readyz answer reflects the database rather than the
// optimistic initial state. It must not run concurrently with Start.
func (h *Health) RunChecks(ctx context.Context) {
	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	for _, s := range checks {
		h.runOnce(ctx, s)
	}
}

func (h *Health) runOnce(ctx context.Context, s *state) {
	if !s.run(ctx, h.now()) {
		return
	}
	lg := zctx.From(ctx).With(
		zap.String("check", s.Name),
		zap.Stringer("kind", s.Kind),
	)
	if r := s.last.Load(); r.healthy {
		lg.Info("Health check recovered")
	} else {
		lg.Warn("Health check failing", zap.Int("failures", s.fails), zap.Error(r.err))
	}
}

// Start runs each check in its own goroutine every interval until Stop or
// ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	for _, s := range checks {
		go h.loop(ctx, s, interval)
	}
}

func (h *Health) loop(ctx context.Context, s *state, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.runOnce(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			h.runOnce(ctx, s)
		}
	}
}

// Stop cancels the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady marks the process as accepting traffic. It is set after startup
// and cleared when shutdown begins draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the process is marked ready and every readiness
// check is healthy.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, s := range h.snapshot(Readiness) {
		if !s.last.Load().healthy {
			return false
		}
	}
	return true
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.snapshot(Liveness), nil)
}

// ReadyEndpoint serves /readyz. A process that is draining answers 503 even
// when all of its checks pass.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	accepting := h.ready.Load()
	writeReport(w, h.snapshot(Readiness), &accepting)
}

// writeReport writes
//
//	{"status":"ok|unavailable","accepting":bool,"checks":{name:{...}}}
//
// with 200 or 503. accepting is omitted for liveness.
func writeReport(w http.ResponseWriter, checks []*state, accepting *bool) {
	slices.SortFunc(checks, func(a, b *state) int { return strings.Compare(a.Name, b.Name) })
	results := make([]*result, len(checks))
	ok := accepting == nil || *accepting
	for i, s := range checks {
		results[i] = s.last.Load()
		ok = ok && results[i].healthy
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) {
			if ok {
				e.Str("ok")
			} else {
				e.Str("unavailable")
			}
		})
		if accepting != nil {
			e.Field("accepting", func(e *jx.Encoder) { e.Bool(*accepting) })
		}
		if len(checks) == 0 {
			return
		}
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for i, s := range checks {
					r := results[i]
					e.Field(s.Name, func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							e.Field("healthy", func(e *jx.Encoder) { e.Bool(r.healthy) })
							if r.err != nil {
								e.Field("error", func(e *jx.Encoder) { e.Str(r.err.Error()) })
							}
							e.Field("since", func(e *jx.Encoder) { e.Str(r.since.UTC().Format(time.RFC3339)) })
						})
					})
				}
			})
		})
	})

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
