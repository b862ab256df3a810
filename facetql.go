// Package facetql is the query and transform engine behind a self-serve
// analytics backend: chart, pivot, distinct and period-total queries are
// compiled from JSON specs and executed against pooled remote engines or an
// embedded columnar store, which the sync coordinator populates from remote
// tables and HTTP APIs.
package facetql

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/database/duckdb"
	"github.com/facetql/facetql/executor"
	"github.com/facetql/facetql/store"
	syncer "github.com/facetql/facetql/sync"
)

// Service owns every layer: the metadata store, the embedded columnar
// store, the remote engine pool, the result cache and admission gate, the
// query router, and the sync coordinator. One Service per process.
type Service struct {
	cfg    Config
	store  *store.Store
	duck   *duckdb.Handle
	pool   *database.Pool
	cache  *executor.ResultCache
	gate   *executor.Gate
	router *executor.Router
	coord  *syncer.Coordinator
	shared redis.UniversalClient

	bg sync.WaitGroup
}

// New opens the metadata and embedded stores and wires the execution
// stack. The caller must Close the service to release them.
func New(ctx context.Context, cfg Config) (svc *Service, err error) {
	s := &Service{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.store, err = store.Open(ctx, cfg.MetadataPath); err != nil {
		return nil, err
	}

	opts := duckdb.DefaultOptions()
	if cfg.DuckDBThreads > 0 {
		opts.Threads = cfg.DuckDBThreads
	}
	if cfg.DuckDBMemoryLimit != "" {
		opts.MemoryLimit = cfg.DuckDBMemoryLimit
	}
	if cfg.DuckDBTempDir != "" {
		opts.TempDir = cfg.DuckDBTempDir
	}
	if s.duck, err = duckdb.Open(cfg.DataDir, cfg.EmbeddedFile, opts); err != nil {
		return nil, err
	}

	ttl, err := cfg.cacheTTL()
	if err != nil {
		return nil, err
	}
	if cfg.SharedCacheURL != "" {
		opt, perr := redis.ParseURL(cfg.SharedCacheURL)
		if perr != nil {
			return nil, errors.Wrap(perr, "parsing shared cache URL")
		}
		s.shared = redis.NewClient(opt)
	}

	s.pool = database.NewPool()
	s.cache = executor.NewResultCache(ttl, s.shared)
	s.gate = executor.NewGate(executor.GateOptions{
		RatePerSec:       cfg.QueryRatePerSec,
		Burst:            cfg.QueryBurst,
		HeavyConcurrency: int64(cfg.HeavyConcurrency),
		ActorConcurrency: int64(cfg.ActorConcurrency),
		Shared:           s.shared,
		Prefix:           cfg.SharedCachePrefix,
	})
	s.router = executor.NewRouter(s.pool, s.duck, s.cache, s.gate, executor.RouterOptions{
		MaxLimit: cfg.QueryMaxLimit,
	})
	s.coord = syncer.NewCoordinator(s.store, s.pool, s.duck)
	s.coord.ScopeTables = cfg.UserScopedTables
	return s, nil
}

// Store exposes the metadata store for datasource and task management.
func (s *Service) Store() *store.Store { return s.store }

// Close waits for background syncs, disposes pooled engines, and closes
// the embedded and metadata stores. Safe on a partially constructed
// service.
func (s *Service) Close() error {
	s.bg.Wait()
	if s.pool != nil {
		s.pool.DisposeAll()
	}
	var firstErr error
	if s.duck != nil {
		if err := s.duck.Close(); err != nil {
			firstErr = err
		}
	}
	if s.shared != nil {
		if err := s.shared.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushCache drops the local result cache tier. Shared entries expire on
// their own TTL.
func (s *Service) FlushCache() {
	s.cache.Flush()
}
