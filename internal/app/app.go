// Package app assembles the pipeline and its stores from configuration.
// The HTTP server and the one-shot CLI share it so both run the same
// wiring.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/mpesa-analytics/riskpipe/internal/circuitbreaker"
	"github.com/mpesa-analytics/riskpipe/internal/config"
	"github.com/mpesa-analytics/riskpipe/internal/enrich"
	"github.com/mpesa-analytics/riskpipe/internal/health"
	"github.com/mpesa-analytics/riskpipe/internal/ingest"
	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/risk"
	"github.com/mpesa-analytics/riskpipe/internal/validation"
	"github.com/mpesa-analytics/riskpipe/internal/writer"
)

// Breaker settings shared by both stores.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// App is a fully wired pipeline.
type App struct {
	Coordinator  *pipeline.Coordinator
	Transactions writer.Store
	Profiles     profile.Store
	Health       *health.Registry
	Ingest       ingest.Options
	// AccountPattern is the compiled account identifier rule.
	AccountPattern *regexp.Regexp
	// DB is nil when running on the in-memory stores.
	DB *sql.DB

	logger *slog.Logger
}

// Build wires the pipeline. Postgres is used when DATABASE_URL is set;
// otherwise everything lives in memory. observer may be nil.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, observer pipeline.Observer) (*App, error) {
	a := &App{Health: health.NewRegistry(), logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Transactions = writer.NewPostgresStore(db)
		a.Profiles = profile.NewPostgresStore(db)
		a.Health.Register(health.Database("postgres", db))
		logger.Info("using PostgreSQL storage", "url", MaskDSN(cfg.DatabaseURL))
	} else {
		a.Transactions = writer.NewMemoryStore()
		a.Profiles = profile.NewMemoryStore()
		a.Health.Register(health.Static("storage", "memory"))
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	pattern, err := regexp.Compile(cfg.AccountPattern)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("account pattern: %w", err)
	}
	a.AccountPattern = pattern

	c, err := newCoordinator(cfg, pattern, a.Transactions, a.Profiles, observer)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Coordinator = c
	a.Health.Register(health.Breaker(c.Breaker(), pipeline.StoreTransactions))
	a.Health.Register(health.Breaker(c.Breaker(), pipeline.StoreProfiles))
	c.Breaker().OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("store circuit changed", "store", key, "from", from.String(), "to", to.String())
	})

	a.Ingest = ingest.Options{Location: enrich.LoadLocation(cfg.Timezone)}
	return a, nil
}

func newCoordinator(cfg *config.Config, pattern *regexp.Regexp, txns writer.Store, profiles profile.Store, observer pipeline.Observer) (*pipeline.Coordinator, error) {
	rules, err := risk.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	scorer, err := risk.NewEngine(rules)
	if err != nil {
		return nil, fmt.Errorf("scoring rules: %w", err)
	}

	policy, err := writer.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	ceiling, err := decimal.NewFromString(cfg.AmountCeiling)
	if err != nil {
		return nil, fmt.Errorf("amount ceiling: %w", err)
	}
	enrichOpts := enrich.DefaultOptions()
	enrichOpts.Location = enrich.LoadLocation(cfg.Timezone)

	return pipeline.New(pipeline.Config{
		Validator: validation.New(validation.Rules{
			AmountCeiling:    ceiling,
			ClockSkew:        cfg.ClockSkew,
			RetentionHorizon: cfg.RetentionHorizon,
			AccountPattern:   pattern,
		}),
		Enricher:     enrich.New(enrichOpts),
		Scorer:       scorer,
		Writer:       writer.New(txns, policy, cfg.ClaimLease),
		Profiles:     profiles,
		Breaker:      circuitbreaker.New(breakerThreshold, breakerOpenFor),
		StoreTimeout: cfg.StoreTimeout,
		CASAttempts:  cfg.CASAttempts,
		Observer:     observer,
	})
}

// Open connects to PostgreSQL with the pool settings used by every
// command.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Close releases the database pool, if any.
func (a *App) Close() {
	if a.DB == nil {
		return
	}
	if err := a.DB.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
		return
	}
	a.logger.Info("database connection closed")
}

// MaskDSN hides the password in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
