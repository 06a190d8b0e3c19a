package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"tradechat/internal/config"
	"tradechat/internal/database"
	"tradechat/internal/directory"
	"tradechat/internal/fixtures"
	"tradechat/internal/middleware"
	"tradechat/internal/utils"
	"tradechat/simulator"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configFile   = pflag.String("config", "", "path to a YAML config file (auth and database settings)")
		fixturesPath = pflag.String("fixtures", "fixtures.yaml", "fixtures file; generated when missing")
		seed         = pflag.Bool("seed", false, "write fixtures into the configured postgres or mongo store")
		seedOnly     = pflag.Bool("seed-only", false, "prepare fixtures and exit without driving traffic")
		serverURL    = pflag.String("url", "http://localhost:8080", "server base URL")
		duration     = pflag.Duration("duration", 2*time.Minute, "how long to drive traffic")
		workers      = pflag.Int("workers", 10, "concurrent workers")
		interval     = pflag.Duration("interval", 100*time.Millisecond, "delay between actions per worker")
		listeners    = pflag.Float64("listeners", 0.5, "fraction of users holding a websocket")
		homeowners   = pflag.Int("homeowners", 20, "homeowners to generate")
		tradespeople = pflag.Int("tradespeople", 50, "tradespeople to generate")
		jobsPer      = pflag.Int("jobs-per-homeowner", 2, "jobs per generated homeowner")
		interestsPer = pflag.Int("interests-per-trade", 5, "interests per generated tradesperson")
		paidRatio    = pflag.Float64("paid-ratio", 0.4, "fraction of interests with paid access")
		corrupted    = pflag.Float64("corrupted-ratio", 0.1, "fraction of interests with near-miss paid statuses")
		malformed    = pflag.Float64("malformed-ratio", 0.05, "fraction of interests with a missing status")
	)
	pflag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := utils.NewLogger(utils.LoggerOptions{
		Service: "tradechat-simulator",
		Level:   cfg.LogLevel,
		Console: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set, err := loadOrGenerate(*fixturesPath, fixtures.GenerateOptions{
		Homeowners:        *homeowners,
		Tradespeople:      *tradespeople,
		JobsPerHomeowner:  *jobsPer,
		InterestsPerTrade: *interestsPer,
		PaidRatio:         *paidRatio,
		CorruptedRatio:    *corrupted,
		MalformedRatio:    *malformed,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("fixtures unavailable")
	}

	if *seed {
		if err := seedStore(ctx, cfg.Database, set, logger); err != nil {
			logger.Fatal().Err(err).Msg("seeding failed")
		}
	}
	if *seedOnly {
		return
	}

	sim, err := simulator.NewSimulator(simulator.SimConfig{
		ServerURL:      *serverURL,
		SimulationTime: *duration,
		Workers:        *workers,
		ActionInterval: *interval,
		ListenerRatio:  *listeners,
		DisconnectRate: 0.01,
		ReconnectRate:  0.05,
		ZipfS:          1.07,
	}, set, middleware.NewTokenManager(cfg.Auth), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build simulator")
	}

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	if err := sim.Run(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}

	report(sim.GetMetrics(), logger)
}

func loadOrGenerate(path string, opts fixtures.GenerateOptions, logger zerolog.Logger) (*fixtures.Set, error) {
	set, err := fixtures.Load(path)
	if err == nil {
		logger.Info().Str("path", path).Msg("loaded fixtures")
		return set, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	set = fixtures.Generate(opts, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err := set.Save(path); err != nil {
		return nil, err
	}
	logger.Info().
		Str("path", path).
		Int("users", len(set.Users)).
		Int("interests", len(set.Interests)).
		Msg("generated fixtures; start an in-memory server with --seed to use them")
	return set, nil
}

func seedStore(ctx context.Context, cfg *config.DatabaseConfig, set *fixtures.Set, logger zerolog.Logger) error {
	var seeder interface {
		directory.Seeder
		Close(context.Context) error
	}

	switch cfg.Type {
	case config.DBPostgres:
		db, err := database.NewPostgresDB(cfg.URI, logger)
		if err != nil {
			return err
		}
		if err := db.InitializeTables(ctx); err != nil {
			db.Close(ctx)
			return err
		}
		seeder = db
	case config.DBMongo:
		db, err := database.NewMongoDB(cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return err
		}
		seeder = db
	default:
		return fmt.Errorf("the %s store lives inside the server process; pass the fixtures file to the server's --seed flag", cfg.Type)
	}
	defer seeder.Close(ctx)

	if err := set.Apply(ctx, seeder); err != nil {
		return err
	}
	logger.Info().Str("store", cfg.Type).Msg("fixtures seeded")
	return nil
}

func report(m simulator.SimulationMetrics, logger zerolog.Logger) {
	event := logger.Info().
		Int("users", m.TotalUsers).
		Int("conversations", m.Conversations).
		Int64("opened", m.ConversationsOpened).
		Int64("messages_sent", m.MessagesSent).
		Int64("pages_fetched", m.PagesFetched).
		Int64("read_marks", m.ReadMarks).
		Int64("events_received", m.EventsReceived).
		Int64("errors", m.ErrorCount).
		Dur("avg_latency", m.AverageLatency).
		Float64("requests_per_second", m.RequestsPerSecond)

	reasons := make([]string, 0, len(m.Denials))
	for reason := range m.Denials {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		event = event.Int64("denied_"+reason, m.Denials[reason])
	}
	event.Msg("simulation completed")

	for _, v := range m.Violations {
		logger.Error().Str("violation", v).Msg("invariant violated")
	}
	if len(m.Violations) > 0 {
		os.Exit(1)
	}
}
