// Package executor runs compiled SQL: short-TTL result caching, per-actor
// throttling, and routing between the embedded columnar store and pooled
// remote engines.
package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/util"
)

// Cache key prefixes. Distinct result shapes get distinct prefixes so an
// entry written by one caller can never satisfy a differently-shaped read.
const (
	PrefixData         = "q"
	PrefixCount        = "cnt"
	PrefixTotalsScalar = "pt:s"
	PrefixTotalsLegend = "pt:l"
)

// DefaultCacheTTL keeps identical dashboard fan-out from re-running the
// same query while staying short enough that edits show up immediately.
const DefaultCacheTTL = 5 * time.Second

// CacheKey builds the canonical key: prefix, datasource, statement digest
// and sorted parameters. Two requests with equal key are interchangeable
// within the TTL.
func CacheKey(prefix, datasourceID, sql string, params map[string]any) string {
	digest := sha256.Sum256([]byte(sql))
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('|')
	b.WriteString(datasourceID)
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(digest[:]))
	b.WriteByte('|')
	first := true
	for k, v := range util.CanonicalMapIter(params) {
		if !first {
			b.WriteByte('&')
		}
		first = false
		fmt.Fprintf(&b, "%s=%v", k, v)
	}
	return b.String()
}

// ResultCache is the short-TTL result store. The process-local tier is
// always written; a shared Redis backend, when configured, is consulted
// first so every process behind a balancer sees the same entry.
type ResultCache struct {
	local  *gocache.Cache
	shared redis.UniversalClient
	ttl    time.Duration
	flight singleflight.Group
}

// NewResultCache builds a cache with the given TTL. shared may be nil.
func NewResultCache(ttl time.Duration, shared redis.UniversalClient) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{
		local:  gocache.New(ttl, 2*ttl),
		shared: shared,
		ttl:    ttl,
	}
}

// TTL reports the configured entry lifetime.
func (c *ResultCache) TTL() time.Duration { return c.ttl }

// Get returns the cached result for key, shared tier first. A shared hit
// refreshes the local tier.
func (c *ResultCache) Get(ctx context.Context, key string) (*database.Result, bool) {
	if c.shared != nil {
		raw, err := c.shared.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			result, derr := decodeResult(raw)
			if derr == nil {
				c.local.Set(key, result, gocache.DefaultExpiration)
				cacheHits.WithLabelValues("shared").Inc()
				return result, true
			}
			slog.Warn("discarding undecodable cache entry", "key", key, "error", derr)
		case err != redis.Nil:
			slog.Warn("shared cache read failed", "error", err)
		}
	}
	if v, ok := c.local.Get(key); ok {
		cacheHits.WithLabelValues("local").Inc()
		return v.(*database.Result), true
	}
	cacheMisses.Inc()
	return nil, false
}

// Set writes the result through every configured tier.
func (c *ResultCache) Set(ctx context.Context, key string, result *database.Result) {
	c.local.Set(key, result, gocache.DefaultExpiration)
	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Warn("encoding cache entry", "error", err)
		return
	}
	if err := c.shared.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		slog.Warn("shared cache write failed", "error", err)
	}
}

// Do returns the cached result for key or runs fn once to produce it,
// collapsing concurrent misses for the same key into a single execution.
// The bool reports whether the result came from cache or a shared flight
// rather than this caller's own execution.
func (c *ResultCache) Do(ctx context.Context, key string, fn func() (*database.Result, error)) (*database.Result, bool, error) {
	if result, ok := c.Get(ctx, key); ok {
		return result, true, nil
	}
	hit := false
	v, err, shared := c.flight.Do(key, func() (any, error) {
		if result, ok := c.Get(ctx, key); ok {
			hit = true
			return result, nil
		}
		result, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*database.Result), hit || shared, nil
}

// Flush drops every local entry. Shared entries expire on their own.
func (c *ResultCache) Flush() {
	c.local.Flush()
}

// decodeResult keeps numeric cells textually exact: a shared-tier round
// trip must not squeeze wide integers through float64.
func decodeResult(raw []byte) (*database.Result, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var result database.Result
	if err := dec.Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
