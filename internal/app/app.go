// Package app assembles the engine from configuration: the store stack,
// the six consistency components and the job schedule. Both binaries build
// on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/hypetoken/ledger-engine/internal/audit"
	"github.com/hypetoken/ledger-engine/internal/config"
	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/reconcile"
	"github.com/hypetoken/ledger-engine/internal/report"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/scheduler"
	"github.com/hypetoken/ledger-engine/internal/staking"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/store/migrations"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/validator"
)

// Job names.
const (
	JobValidator  = "validator"
	JobStaking    = "staking"
	JobAuditor    = "auditor"
	JobReconciler = "reconciler"
	JobReporter   = "reporter"
)

// Listener receives pass and report notifications; the WebSocket hub is
// the production implementation.
type Listener interface {
	runs.Listener
	report.Listener
}

// Engine is a fully wired ledger engine.
type Engine struct {
	Config     *config.Config
	Params     tokenomics.Params
	Store      store.Store
	Ledger     *ledger.Ledger
	Staking    *staking.Service
	Validator  *validator.Validator
	Auditor    *audit.Auditor
	Reconciler *reconcile.Reconciler
	Reporter   *report.Reporter
	Scheduler  *scheduler.Scheduler

	closers []func()
}

// Params loads the tokenomics file named by cfg, or the launch defaults.
func Params(cfg *config.Config) (tokenomics.Params, error) {
	if cfg.TokenomicsConfig == "" {
		return tokenomics.Default(), nil
	}
	p, err := tokenomics.LoadFile(cfg.TokenomicsConfig)
	if err != nil {
		return tokenomics.Params{}, fmt.Errorf("load tokenomics: %w", err)
	}
	return p, nil
}

// New opens the store, seeds the ledger and registers every job. listener
// may be nil.
func New(ctx context.Context, cfg *config.Config, listener Listener) (*Engine, error) {
	params, err := Params(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{Config: cfg, Params: params}

	st, rdb, err := e.openStore(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Store = st

	var (
		runsListener   runs.Listener
		reportListener report.Listener
	)
	if listener != nil {
		runsListener, reportListener = listener, listener
	}
	rec := runs.NewRecorder(st, runsListener)
	eps := cfg.Epsilon()

	e.Ledger = ledger.New(st, params)
	e.Staking = staking.NewService(st, params.Tiers, rec)
	e.Validator = validator.New(st, params, rec, eps)
	e.Auditor = audit.New(st, params, rec)
	e.Reconciler = reconcile.New(st, params, rec, eps)
	e.Reporter = report.New(st, params.Supply, reportListener)

	if err := e.Ledger.Init(ctx); err != nil {
		e.Close()
		return nil, err
	}

	var opts []scheduler.Option
	if rdb != nil {
		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb)))
	}
	e.Scheduler = scheduler.New(cfg.JobTimeout, opts...)
	for _, j := range e.jobs() {
		if err := e.Scheduler.Add(j); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) jobs() []scheduler.Job {
	iv := e.Config.Intervals()
	return []scheduler.Job{
		{Name: JobValidator, Interval: iv[JobValidator], Run: func(ctx context.Context) error {
			_, err := e.Validator.Validate(ctx, time.Now())
			return err
		}},
		{Name: JobStaking, Interval: iv[JobStaking], Run: func(ctx context.Context) error {
			_, err := e.Staking.Recompute(ctx, time.Now())
			return err
		}},
		{Name: JobAuditor, Interval: iv[JobAuditor], Run: func(ctx context.Context) error {
			_, err := e.Auditor.Audit(ctx, time.Now())
			return err
		}},
		{Name: JobReconciler, Interval: iv[JobReconciler], Run: func(ctx context.Context) error {
			_, err := e.Reconciler.Reconcile(ctx, time.Now())
			return err
		}},
		{Name: JobReporter, Interval: iv[JobReporter], Run: func(ctx context.Context) error {
			_, err := e.Reporter.Generate(ctx, time.Now())
			return err
		}},
	}
}

// Sources maps job names to the pass family they record under.
var Sources = map[string]model.Source{
	JobValidator:  model.SourceValidator,
	JobStaking:    model.SourceStaking,
	JobAuditor:    model.SourceAuditor,
	JobReconciler: model.SourceReconciler,
}

func (e *Engine) openStore(ctx context.Context) (store.Store, *redis.Client, error) {
	cfg := e.Config
	var st store.Store

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		e.closers = append(e.closers, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case config.StoreSQLite:
		sq, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, func() { _ = sq.Close() })
		st = sq
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL == "" {
		return st, nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	e.closers = append(e.closers, func() { _ = rdb.Close() })
	slog.Info("Redis cache and job leases enabled", "ttl", cfg.CacheTTL)
	return store.NewCachedStore(st, rdb, cfg.CacheTTL), rdb, nil
}

// Close releases store connections in reverse order.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// Migrate runs a goose command against the configured SQL store.
func Migrate(ctx context.Context, cfg *config.Config, command string, args ...string) error {
	var (
		db      *sql.DB
		dialect migrations.Dialect
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		db, dialect = stdlib.OpenDBFromPool(pool), migrations.Postgres
	case config.StoreSQLite:
		var err error
		if db, err = sql.Open("sqlite", cfg.SQLitePath); err != nil {
			return fmt.Errorf("open sqlite db: %w", err)
		}
		dialect = migrations.SQLite
	default:
		return fmt.Errorf("STORE=%s has no schema to migrate", cfg.Store)
	}
	defer db.Close()
	return migrations.Run(ctx, db, dialect, command, args...)
}
