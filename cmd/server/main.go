package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradechat/internal/access"
	"tradechat/internal/chat"
	"tradechat/internal/config"
	"tradechat/internal/database"
	"tradechat/internal/directory"
	"tradechat/internal/engine"
	"tradechat/internal/fixtures"
	"tradechat/internal/handlers"
	"tradechat/internal/middleware"
	"tradechat/internal/utils"
	"tradechat/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// backend is what the server needs from a store implementation.
type backend interface {
	database.Store
	directory.Directories
	directory.Seeder
}

func main() {
	configFile := pflag.String("config", "", "path to a YAML config file")
	initSchema := pflag.Bool("init-schema", false, "create tables and indexes before serving")
	seedFile := pflag.String("seed", "", "YAML fixtures to load into the store on startup")
	reconcile := pflag.String("reconcile", "", `repair unread counters for a conversation ID, or "all", then exit`)
	pflag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(utils.LoggerOptions{
		Service:     "tradechat",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Console:     cfg.Debug,
	})

	if *reconcile != "" {
		if err := reconcileStore(cfg, *reconcile, logger); err != nil {
			logger.Fatal().Err(err).Msg("reconcile failed")
		}
		return
	}

	if err := run(cfg, *initSchema || cfg.Database.InitSchema, *seedFile, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// core is the conversation stack shared by the server and maintenance commands.
type core struct {
	gate    *access.Gate
	log     *chat.MessageLog
	service *chat.Service
}

func newCore(store backend, metrics *utils.MetricsCollector, logger zerolog.Logger) *core {
	unread := chat.NewUnreadTracker(store, logger)
	messageLog := chat.NewMessageLog(store, unread, logger)
	gate := access.NewGate(store, metrics, logger)
	return &core{
		gate: gate,
		log:  messageLog,
		service: chat.NewService(
			gate,
			chat.NewRegistry(store, metrics, logger),
			messageLog,
			unread,
			store,
			metrics,
			logger,
		),
	}
}

func run(cfg *config.Config, initSchema bool, seedFile string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database, initSchema, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	if seedFile != "" {
		set, err := fixtures.Load(seedFile)
		if err != nil {
			return err
		}
		if err := set.Apply(ctx, store); err != nil {
			return err
		}
		logger.Info().
			Int("users", len(set.Users)).
			Int("jobs", len(set.Jobs)).
			Int("interests", len(set.Interests)).
			Msg("fixtures loaded")
	}

	metrics := utils.NewMetricsCollector()

	c := newCore(store, metrics, logger)
	service := c.service

	// Live delivery
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	system := actor.NewActorSystem()
	deliveries := engine.NewEngine(system, hub, c.log, c.gate, metrics, logger)
	defer deliveries.Stop()
	service.SetNotifier(deliveries)

	server := handlers.NewServer(service, deliveries, hub, middleware.NewTokenManager(cfg.Auth), metrics, logger)
	server.StoreType = cfg.Database.Type
	server.AllowedOrigins = cfg.AllowedOrigins
	server.RequestTimeout = cfg.Server.RequestTimeout
	server.CORSMaxAge = cfg.Server.CORSMaxAge
	server.MetricsEnabled = cfg.Server.MetricsEnabled

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("store", cfg.Database.Type).
			Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// reconcileStore repairs unread counters in the configured store without serving.
func reconcileStore(cfg *config.Config, target string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database, false, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	report, err := runReconcile(ctx, newCore(store, nil, logger).service, target)
	if err != nil {
		return err
	}
	logger.Info().
		Int("checked", report.Checked).
		Int("repaired", len(report.Repaired)).
		Msg("reconcile finished")
	return nil
}

// runReconcile repairs one conversation, or every conversation when target is "all".
func runReconcile(ctx context.Context, service *chat.Service, target string) (*chat.ReconcileReport, error) {
	if target == "all" {
		return service.ReconcileAll(ctx)
	}

	id, err := uuid.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("reconcile target %q is neither \"all\" nor a conversation ID: %w", target, err)
	}
	drifted, err := service.Reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &chat.ReconcileReport{Checked: 1, Repaired: []uuid.UUID{}}
	if drifted {
		report.Repaired = append(report.Repaired, id)
	}
	return report, nil
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig, initSchema bool, logger zerolog.Logger) (backend, error) {
	switch cfg.Type {
	case config.DBPostgres:
		db, err := database.NewPostgresDB(cfg.URI, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if initSchema {
			if err := db.InitializeTables(ctx); err != nil {
				db.Close(ctx)
				return nil, fmt.Errorf("initialize tables: %w", err)
			}
		}
		return db, nil

	case config.DBMongo:
		db, err := database.NewMongoDB(cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if initSchema {
			if err := db.EnsureIndexes(ctx); err != nil {
				db.Close(ctx)
				return nil, fmt.Errorf("ensure indexes: %w", err)
			}
		}
		return db, nil

	default:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return database.NewMemoryDB(), nil
	}
}
