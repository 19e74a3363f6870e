package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Limit is a request budget per sliding window.
type Limit struct {
	Max    int
	Window time.Duration
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Default is the budget each client shares across routes without an
	// override.
	Default Limit
	// Routes gives a route pattern its own budget per client, counted
	// separately from Default.
	Routes map[string]Limit
	// Route resolves route patterns for Routes. Required when Routes is set.
	Route RouteFinder
	// Client identifies the caller. Defaults to ClientIP.
	Client func(*http.Request) string
	// Skip exempts requests, e.g. orchestrator health checks.
	Skip func(*http.Request) bool
}

// bucketKey is a client on the shared budget (route "") or on a route budget.
type bucketKey struct {
	client string
	route  string
}

// bucket approximates a sliding window from the counts of the current and
// the previous fixed window.
type bucket struct {
	window time.Duration
	start  time.Time
	prev   int
	curr   int
}

// take spends one request from the budget if the weighted count allows it.
func (b *bucket) take(l Limit, now time.Time) (remaining int, reset time.Time, ok bool) {
	start := now.Truncate(l.Window)
	switch start.Sub(b.start) {
	case 0:
	case l.Window:
		b.prev, b.curr = b.curr, 0
	default:
		b.prev, b.curr = 0, 0
	}
	b.start = start
	reset = start.Add(l.Window)

	weight := 1 - float64(now.Sub(start))/float64(l.Window)
	used := int(math.Floor(float64(b.prev)*weight)) + b.curr
	if used >= l.Max {
		return 0, reset, false
	}
	b.curr++
	return l.Max - used - 1, reset, true
}

type rateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.Client == nil {
		cfg.Client = ClientIP
	}
	if len(cfg.Routes) > 0 && cfg.Route == nil {
		panic("httpmiddleware: RateLimitConfig.Routes requires Route")
	}
	return &rateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

// limitFor returns the budget r is charged to.
func (rl *rateLimiter) limitFor(r *http.Request) (bucketKey, Limit) {
	key := bucketKey{client: rl.cfg.Client(r)}
	if len(rl.cfg.Routes) == 0 {
		return key, rl.cfg.Default
	}
	route := rl.cfg.Route(r)
	if l, ok := rl.cfg.Routes[route]; ok {
		key.route = route
		return key, l
	}
	return key, rl.cfg.Default
}

func (rl *rateLimiter) take(key bucketKey, l Limit) (int, time.Time, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{window: l.Window}
		rl.buckets[key] = b
	}
	return b.take(l, rl.now())
}

// evict drops buckets that no longer carry any count.
func (rl *rateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.start) >= 2*b.window {
			delete(rl.buckets, key)
		}
	}
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// shortestWindow bounds how long an idle bucket can linger.
func (rl *rateLimiter) shortestWindow() time.Duration {
	d := rl.cfg.Default.Window
	for _, l := range rl.cfg.Routes {
		if l.Window < d {
			d = l.Window
		}
	}
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// RateLimit limits requests per client with a sliding window. Rejected
// requests get 429 with Retry-After. Every limited response carries
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset for the
// budget it was charged to.
//
// Idle clients are evicted in the background until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	go func() {
		ticker := time.NewTicker(2 * rl.shortestWindow())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evict()
			}
		}
	}()
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.cfg.Skip != nil && rl.cfg.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		key, l := rl.limitFor(r)
		remaining, reset, ok := rl.take(key, l)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		wait := max(reset.Sub(rl.now()), 0)
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		zctx.From(r.Context()).Warn("Rate limit exceeded",
			zap.String("client", key.client),
			zap.String("budget", budgetName(key)),
			zap.Int("max", l.Max),
			zap.Duration("window", l.Window),
		)
		writeError(w, http.StatusTooManyRequests, "too many requests")
	})
}

func budgetName(key bucketKey) string {
	if key.route == "" {
		return "default"
	}
	return key.route
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host of RemoteAddr. The API runs behind a proxy that sets these headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
