package database

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// poolRecycle bounds connection age on networked engines so load balancer
// and firewall idle cutoffs never hand us a dead socket.
const poolRecycle = 30 * time.Minute

// Opener opens a *sql.DB for a dialect. Dialect packages register theirs in
// init; the fallback calls sql.Open with the dialect's driver name.
type Opener func(dsn string) (*sql.DB, error)

// ConnectHook runs once after an engine is opened, before first use.
// The embedded columnar dialect uses it to apply its pragmas.
type ConnectHook func(ctx context.Context, db *sql.DB) error

var (
	registryMu sync.RWMutex
	openers    = map[Dialect]Opener{}
	hooks      = map[Dialect]ConnectHook{}
)

func RegisterOpener(d Dialect, o Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	openers[d] = o
}

func RegisterConnectHook(d Dialect, h ConnectHook) {
	registryMu.Lock()
	defer registryMu.Unlock()
	hooks[d] = h
}

func openerFor(d Dialect) Opener {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if o, ok := openers[d]; ok {
		return o
	}
	return func(dsn string) (*sql.DB, error) {
		return sql.Open(d.DriverName(), dsn)
	}
}

func hookFor(d Dialect) ConnectHook {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return hooks[d]
}

// Engine is one pooled connection set to a remote or file-backed database.
type Engine struct {
	DB      *sql.DB
	Dialect Dialect
	DSN     string // normalized form; doubles as the pool key
	Params  PoolParams
}

// Pool caches engines by dialect and normalized DSN. Reads dominate, so
// lookups take a read lock and concurrent first opens collapse through
// singleflight.
type Pool struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	opening singleflight.Group
}

func NewPool() *Pool {
	return &Pool{engines: map[string]*Engine{}}
}

func poolKey(dialect Dialect, normalized string) string {
	return string(dialect) + "|" + normalized
}

// Get returns the cached engine for the DSN, opening and verifying one on
// first use.
func (p *Pool) Get(ctx context.Context, dialect Dialect, dsn string) (*Engine, error) {
	normalized, params, err := NormalizeDSN(dialect, dsn)
	if err != nil {
		return nil, err
	}
	key := poolKey(dialect, normalized)

	p.mu.RLock()
	engine := p.engines[key]
	p.mu.RUnlock()
	if engine != nil {
		return engine, nil
	}

	v, err, _ := p.opening.Do(key, func() (any, error) {
		p.mu.RLock()
		cached := p.engines[key]
		p.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		opened, err := p.open(ctx, dialect, normalized, params)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.engines[key] = opened
		p.mu.Unlock()
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

func (p *Pool) open(ctx context.Context, dialect Dialect, normalized string, params PoolParams) (*Engine, error) {
	db, err := openerFor(dialect)(normalized)
	if err != nil {
		return nil, errors.Wrap(err, "opening engine")
	}

	if dialect.Embedded() {
		db.SetMaxOpenConns(params.Size)
		db.SetMaxIdleConns(params.Size)
	} else {
		db.SetMaxOpenConns(params.maxOpen())
		db.SetMaxIdleConns(params.Size)
		db.SetConnMaxLifetime(poolRecycle)
	}

	if hook := hookFor(dialect); hook != nil {
		if err := hook(ctx, db); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "connect hook")
		}
	}

	if !dialect.Embedded() {
		pingCtx, cancel := context.WithTimeout(ctx, params.Timeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "verifying engine")
		}
	}

	slog.Debug("opened engine", "dialect", dialect, "maxOpen", db.Stats().MaxOpenConnections)
	return &Engine{DB: db, Dialect: dialect, DSN: normalized, Params: params}, nil
}

// Dispose closes the engine and drops it from the pool. Queries already in
// flight on its connections finish; new lookups open a fresh engine.
func (p *Pool) Dispose(engine *Engine) {
	if engine == nil {
		return
	}
	key := poolKey(engine.Dialect, engine.DSN)
	p.mu.Lock()
	if p.engines[key] == engine {
		delete(p.engines, key)
	}
	p.mu.Unlock()
	if err := engine.DB.Close(); err != nil {
		slog.Warn("closing engine", "dialect", engine.Dialect, "error", err)
	}
}

// DisposeByDSN disposes the engine cached for the DSN, if any.
func (p *Pool) DisposeByDSN(dialect Dialect, dsn string) error {
	normalized, _, err := NormalizeDSN(dialect, dsn)
	if err != nil {
		return err
	}
	p.mu.Lock()
	engine := p.engines[poolKey(dialect, normalized)]
	p.mu.Unlock()
	if engine != nil {
		p.Dispose(engine)
	}
	return nil
}

// DisposeAll closes every cached engine. Used on shutdown and when the
// active embedded file is switched out from under file-backed engines.
func (p *Pool) DisposeAll() {
	p.mu.Lock()
	engines := make([]*Engine, 0, len(p.engines))
	for _, e := range p.engines {
		engines = append(engines, e)
	}
	p.engines = map[string]*Engine{}
	p.mu.Unlock()

	for _, e := range engines {
		if err := e.DB.Close(); err != nil {
			slog.Warn("closing engine", "dialect", e.Dialect, "error", err)
		}
	}
}

// Len reports the number of cached engines.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.engines)
}
