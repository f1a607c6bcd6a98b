package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/delta-engine/internal/api"
	"github.com/atmx/delta-engine/internal/config"
	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/hedging"
	"github.com/atmx/delta-engine/internal/instrument"
	"github.com/atmx/delta-engine/internal/ledger"
	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/metrics"
	"github.com/atmx/delta-engine/internal/scheduler"
	"github.com/atmx/delta-engine/internal/store"
	"github.com/atmx/delta-engine/internal/strategy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "delta-engine",
		Short:        "Delta-neutral arbitrage and hedging engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d pairs, %d hedging rules, store=%s\n",
				len(cfg.Pairs), len(cfg.Hedging.Rules), cfg.Store.Driver)
			return nil
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, error) {
	config.LoadDotEnv(".env")
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	// --- Initialize store ---
	journal, cleanup, err := openJournal(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Venue ---
	paper := exchange.NewPaper()
	for _, q := range cfg.Venue.Quotes {
		key := q.Key()
		paper.SetMid(key, q.Mid)
		if q.FundingRate != nil {
			paper.SetFundingRate(key, *q.FundingRate)
		}
	}
	for _, b := range cfg.Venue.Balances {
		paper.SetBalance(b.Exchange, b.Asset, b.Amount)
	}
	venue := exchange.NewGuarded(paper, exchange.GuardConfig{
		RequestsPerSecond: cfg.Venue.RequestsPerSecond,
		Burst:             cfg.Venue.Burst,
		MaxFailures:       cfg.Venue.MaxFailures,
		OpenTimeout:       cfg.Venue.OpenTimeout,
	}, log.WithField("component", "venue"))

	// --- Ledger ---
	registry := instrument.NewRegistry()
	for _, p := range cfg.Pairs {
		registry.RegisterConfig(p.LegA)
		registry.RegisterConfig(p.LegB)
	}
	l := ledger.New(
		ledger.WithRegistry(registry),
		ledger.WithRiskInterval(cfg.Engine.RiskInterval),
		ledger.WithLogger(log.WithField("component", "ledger")),
	)

	// --- Hedging ---
	hedger := hedging.NewEvaluator(l, venue, hedging.Config{
		EmergencyHedgeThreshold: cfg.Hedging.EmergencyHedgeThreshold,
		MaxSingleHedgeSize:      cfg.Hedging.MaxSingleHedgeSize,
	}, hedging.WithLogger(log.WithField("component", "hedging")))
	for _, rule := range cfg.Hedging.Rules {
		if err := hedger.AddRule(rule); err != nil {
			return fmt.Errorf("hedging rule %s -> %s: %w", rule.Primary, rule.Hedge, err)
		}
	}

	// --- WebSocket hub ---
	hub := api.NewHub(log.WithField("component", "ws"))

	// --- Strategy engine ---
	engine := strategy.NewEngine(strategy.Config{
		Pairs:                cfg.Pairs,
		Risk:                 cfg.Risk,
		FundingCacheTTL:      cfg.Engine.FundingCacheTTL,
		StatusLogInterval:    cfg.Engine.StatusLogInterval,
		EnableDynamicHedging: cfg.Engine.EnableDynamicHedging,
	}, l, hedger, venue,
		strategy.WithJournal(journal),
		strategy.WithEvents(hub),
		strategy.WithLogger(log.WithField("component", "strategy")),
	)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for operator dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	h := api.NewHandler(engine, l, hedger, journal, hub, log.WithField("component", "api"))
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	h.Routes(r)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("delta-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return scheduler.New(engine, cfg.Engine.RefreshInterval, log.WithField("component", "scheduler")).Run(gctx)
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down delta-engine...")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).Error("http shutdown error")
		}
		if err := engine.Shutdown(sctx); err != nil {
			log.WithError(err).Error("engine shutdown left positions open")
			return err
		}
		return nil
	})

	err = g.Wait()
	log.Info("delta-engine stopped")
	return err
}

// openJournal builds the configured store, wrapped in the Redis cache when
// a Redis URL is set. The returned cleanups run in order on exit.
func openJournal(ctx context.Context, cfg config.StoreConfig, log logrus.FieldLogger) (store.Journal, []func(), error) {
	var (
		journal store.Journal
		cleanup []func()
	)

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		journal = pg
		log.Info("connected to PostgreSQL")

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		journal = lite
		log.WithField("path", cfg.SQLitePath).Info("using SQLite journal")

	default:
		log.Warn("using in-memory journal (data will not persist)")
		journal = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		journal = store.NewCachedStore(journal, rdb, cfg.CacheTTL)
		log.Info("Redis cache enabled")
	}

	return journal, cleanup, nil
}
