package httpx

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/pkg/config"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute

	kindRateLimited domain.Kind = "rate_limited"
)

// RateRule admits Limit requests per caller inside each Window. A zero Limit
// disables the rule.
type RateRule struct {
	Limit  int
	Window time.Duration
}

// RatePolicy assigns a rule to every class of authenticated route.
type RatePolicy struct {
	// Deploy guards pipeline starts, the expensive operation.
	Deploy RateRule
	Write  RateRule
	Read   RateRule
	// Stream guards websocket and SSE connects.
	Stream RateRule
}

// DefaultRatePolicy mirrors the defaults of config.LoadRateLimitConfig.
func DefaultRatePolicy() RatePolicy {
	return RatePolicyFromConfig(config.RateLimitConfig{
		Deploys:       10,
		Writes:        60,
		Reads:         120,
		Streams:       30,
		Window:        time.Minute,
		StreamsWindow: 30 * time.Second,
	})
}

// RatePolicyFromConfig converts loaded configuration into a policy.
func RatePolicyFromConfig(c config.RateLimitConfig) RatePolicy {
	return RatePolicy{
		Deploy: RateRule{Limit: c.Deploys, Window: c.Window},
		Write:  RateRule{Limit: c.Writes, Window: c.Window},
		Read:   RateRule{Limit: c.Reads, Window: c.Window},
		Stream: RateRule{Limit: c.Streams, Window: c.StreamsWindow},
	}
}

// RateLimiter counts requests per key inside fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rule RateRule) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type fixedWindow struct {
	hits int
	ends time.Time
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]fixedWindow
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter. Replicas behind a
// load balancer should share NewRedisRateLimiter instead.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]fixedWindow),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, rule RateRule) rateDecision {
	if rule.Limit <= 0 {
		return rateDecision{allowed: true}
	}
	window := rule.Window
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[key]
	if !ok || now.After(w.ends) {
		w = fixedWindow{ends: now.Add(window)}
	}
	if w.hits >= rule.Limit {
		return rateDecision{count: w.hits, windowEnd: w.ends}
	}
	w.hits++
	rl.windows[key] = w
	return rateDecision{allowed: true, count: w.hits, windowEnd: w.ends}
}

func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.expire(rl.now())
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) expire(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if now.After(w.ends) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// handlerAuthRate authenticates first so limits apply per caller.
func (r *Router) handlerAuthRate(route string, rule RateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(headerToken, r.withRateLimit(route, rule, next))
}

// streamAuthRate is handlerAuthRate for websocket and SSE routes.
func (r *Router) streamAuthRate(route string, rule RateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(headerOrQueryToken, r.withRateLimit(route, rule, next))
}

func (r *Router) withRateLimit(route string, rule RateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.Limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := rateLimitKeyCaller(req)
		// Each route counts separately so reads never spend the deploy budget.
		decision := r.limiter.Allow(req.Context(), route+"/"+key, rule)
		setRateHeaders(w, rule.Limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func setRateHeaders(w http.ResponseWriter, limit int, d rateDecision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-d.count, 0)))
	if d.windowEnd.IsZero() {
		return
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.windowEnd.Unix(), 10))
	if !d.allowed {
		wait := math.Ceil(time.Until(d.windowEnd).Seconds())
		h.Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
	}
}

func rateLimitKeyCaller(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Login != "" {
		return "user:" + info.Login
	}
	return rateLimitKeyIP(req)
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey keeps metric cardinality bounded: only the key kind is exported.
func rateMetricKey(key string) string {
	kind, _, found := strings.Cut(key, ":")
	if !found || kind == "" {
		return "unknown"
	}
	return kind
}
