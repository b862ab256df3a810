package executor

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/facetql/facetql/apperr"
)

const (
	DefaultRatePerSec       = 10.0
	DefaultBurst            = 20
	DefaultHeavyConcurrency = 8
	DefaultActorConcurrency = 2

	// heavyLimitThreshold marks the row count past which a query holds a
	// heavy-concurrency slot.
	heavyLimitThreshold = 5000
)

// Heavy reports whether a request counts against the heavy-query guards.
// Total counting runs a second engine query, so it is always heavy.
func Heavy(limit int, includeTotal bool) bool {
	return limit >= heavyLimitThreshold || includeTotal
}

// GateOptions configure the throttle. Shared may be nil; the bucket then
// lives per process.
type GateOptions struct {
	RatePerSec       float64
	Burst            int
	HeavyConcurrency int64
	ActorConcurrency int64
	Shared           redis.UniversalClient
	Prefix           string
}

func (o GateOptions) withDefaults() GateOptions {
	if o.RatePerSec <= 0 {
		o.RatePerSec = DefaultRatePerSec
	}
	if o.Burst <= 0 {
		o.Burst = DefaultBurst
	}
	if o.HeavyConcurrency <= 0 {
		o.HeavyConcurrency = DefaultHeavyConcurrency
	}
	if o.ActorConcurrency <= 0 {
		o.ActorConcurrency = DefaultActorConcurrency
	}
	if o.Prefix == "" {
		o.Prefix = "facetql"
	}
	return o
}

// bucketScript refills and charges one token atomically. Time comes from
// the caller so every process measures against the same clock base.
var bucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local stamp_key = KEYS[2]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local stamp = tonumber(redis.call('GET', stamp_key))
if stamp == nil then stamp = now end

tokens = math.min(burst, tokens + math.max(0, now - stamp) * rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

local ttl = math.ceil(burst / rate) + 60
redis.call('SETEX', tokens_key, ttl, tokens)
redis.call('SETEX', stamp_key, ttl, now)
return {allowed, tostring(tokens)}
`)

// Gate is the admission guard in front of the engines: a per-actor token
// bucket rejects immediately with a Retry-After hint, then bounded
// semaphores cap how many heavy queries run at once, globally and per
// actor. Light queries skip the semaphores.
type Gate struct {
	opts GateOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	heavy   *semaphore.Weighted
	actorMu sync.Mutex
	actors  map[string]*semaphore.Weighted
}

func NewGate(opts GateOptions) *Gate {
	opts = opts.withDefaults()
	return &Gate{
		opts:     opts,
		limiters: map[string]*rate.Limiter{},
		heavy:    semaphore.NewWeighted(opts.HeavyConcurrency),
		actors:   map[string]*semaphore.Weighted{},
	}
}

// Allow charges one token from the actor's bucket, shared tier first. A
// shared backend failure degrades to the local bucket rather than refusing
// traffic.
func (g *Gate) Allow(ctx context.Context, actor string) error {
	if g.opts.Shared != nil {
		allowed, retryAfter, err := g.allowShared(ctx, actor)
		if err == nil {
			if allowed {
				return nil
			}
			throttleRejections.WithLabelValues("bucket").Inc()
			return rateLimited(retryAfter)
		}
		slog.Warn("shared bucket unavailable, falling back to local", "error", err)
	}
	return g.allowLocal(actor)
}

func (g *Gate) allowLocal(actor string) error {
	r := g.limiter(actor).Reserve()
	if !r.OK() {
		throttleRejections.WithLabelValues("bucket").Inc()
		return rateLimited(int(math.Ceil(1 / g.opts.RatePerSec)))
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		throttleRejections.WithLabelValues("bucket").Inc()
		return rateLimited(int(math.Ceil(delay.Seconds())))
	}
	return nil
}

func (g *Gate) allowShared(ctx context.Context, actor string) (allowed bool, retryAfter int, err error) {
	keys := []string{
		g.opts.Prefix + ":bucket:" + actor,
		g.opts.Prefix + ":bucket:" + actor + ":ts",
	}
	now := float64(time.Now().UnixMicro()) / 1e6
	raw, err := bucketScript.Run(ctx, g.opts.Shared, keys, g.opts.RatePerSec, g.opts.Burst, now).Slice()
	if err != nil {
		return false, 0, errors.Wrap(err, "running bucket script")
	}
	if len(raw) != 2 {
		return false, 0, errors.Errorf("bucket script returned %d values", len(raw))
	}
	if n, ok := raw[0].(int64); ok && n == 1 {
		return true, 0, nil
	}
	tokens, _ := strconv.ParseFloat(asString(raw[1]), 64)
	return false, int(math.Ceil((1 - tokens) / g.opts.RatePerSec)), nil
}

func (g *Gate) limiter(actor string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if lim, ok := g.limiters[actor]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(g.opts.RatePerSec), g.opts.Burst)
	g.limiters[actor] = lim
	return lim
}

func (g *Gate) actorSem(actor string) *semaphore.Weighted {
	g.actorMu.Lock()
	defer g.actorMu.Unlock()
	if sem, ok := g.actors[actor]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(g.opts.ActorConcurrency)
	g.actors[actor] = sem
	return sem
}

// Admit takes the concurrency slots a heavy request needs and returns the
// release. Light requests get a no-op release. Acquisition blocks until a
// slot frees or ctx ends.
func (g *Gate) Admit(ctx context.Context, actor string, heavy bool) (func(), error) {
	if !heavy {
		return func() {}, nil
	}
	if err := g.heavy.Acquire(ctx, 1); err != nil {
		throttleRejections.WithLabelValues("heavy").Inc()
		return nil, errors.Wrap(err, "acquiring heavy slot")
	}
	sem := g.actorSem(actor)
	if err := sem.Acquire(ctx, 1); err != nil {
		g.heavy.Release(1)
		throttleRejections.WithLabelValues("actor").Inc()
		return nil, errors.Wrap(err, "acquiring actor slot")
	}
	return func() {
		sem.Release(1)
		g.heavy.Release(1)
	}, nil
}

func rateLimited(retryAfter int) error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	err := apperr.New(apperr.RateLimited, "rate limit exceeded, retry in %ds", retryAfter)
	err.RetryAfter = retryAfter
	return err
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
