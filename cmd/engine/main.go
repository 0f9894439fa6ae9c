// Command engine launches the tranche trading engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/tranche/db/migrations"
	"github.com/coachpo/tranche/internal/app/agent"
	"github.com/coachpo/tranche/internal/app/aggregators"
	"github.com/coachpo/tranche/internal/app/balances"
	"github.com/coachpo/tranche/internal/app/collectors"
	"github.com/coachpo/tranche/internal/app/engine"
	"github.com/coachpo/tranche/internal/app/executors"
	"github.com/coachpo/tranche/internal/app/registry"
	"github.com/coachpo/tranche/internal/app/strategies"
	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/domain/strategystore"
	"github.com/coachpo/tranche/internal/infra/config"
	"github.com/coachpo/tranche/internal/infra/ledgerrpc"
	"github.com/coachpo/tranche/internal/infra/persistence/clickhouse"
	"github.com/coachpo/tranche/internal/infra/persistence/memory"
	"github.com/coachpo/tranche/internal/infra/persistence/migrations"
	"github.com/coachpo/tranche/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tranche/internal/infra/server/http"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	engineLoggerPrefix           = "tranche "
	databasePoolName             = "strategies"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	journalShutdownTimeout       = 5 * time.Second
	databaseShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	healthCheckTimeout           = 2 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEngineLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, mode=%s, boot strategies=%d",
		appCfg.Environment, appCfg.Executor.Mode, len(appCfg.Strategies))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	stores, err := openStores(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}

	journalWriter, journalConn, err := openJournal(ctx, logger, appCfg.Journal)
	if err != nil {
		logger.Fatalf("initialise journal: %v", err)
	}

	reg := registry.New(appCfg.Registry.Capacity)

	eng := engine.New(engine.Config{
		EventCapacity:   appCfg.Engine.EventCapacity,
		ActionCapacity:  appCfg.Engine.ActionCapacity,
		FanoutWorkers:   appCfg.Engine.FanoutWorkers.Count(),
		ExecutorWorkers: appCfg.Engine.ExecutorWorkers,
		ExecutorQueue:   appCfg.Engine.ExecutorQueue,
	}, logger)

	var lifecycle conc.WaitGroup

	book, err := wireLedger(ctx, logger, appCfg, eng, reg, &lifecycle)
	if err != nil {
		logger.Fatalf("initialise ledger side: %v", err)
	}
	eng.AddCollector(collectors.NewHeartbeat(appCfg.Collectors.HeartbeatPeriod))
	eng.AddAggregator(book)
	eng.AddAggregator(aggregators.NewTickBars(appCfg.Collectors.TicksPerBar))
	eng.AddAggregator(aggregators.NewTickIndicators(appCfg.Collectors.IndicatorLengths))

	manager := strategy.NewManager(strategy.Options{
		Store:        stores.strategies,
		Logger:       logger,
		PollInterval: appCfg.Manager.PollInterval,
		SafetyTick:   appCfg.Manager.SafetyTick,
	})
	deps := strategies.Deps{
		Registry: reg,
		Balances: book,
		Wallets:  stores.wallets,
		Agent: agent.Config{
			TimeoutHeartbeats: appCfg.Agent.TimeoutHeartbeats,
			MaxRetries:        appCfg.Agent.Retries(),
			RetryDelay:        appCfg.Agent.RetryDelay,
		},
		FanoutWorkers: appCfg.Engine.FanoutWorkers.Count(),
		Logger:        logger,
	}
	if journalWriter != nil {
		deps.Journal = journalWriter
	}
	for _, def := range strategies.Definitions(deps) {
		if err := manager.Register(def); err != nil {
			logger.Fatalf("register strategy %s: %v", def.Variant, err)
		}
	}
	if err := manager.SyncState(ctx); err != nil {
		logger.Fatalf("sync strategy state: %v", err)
	}
	resumed := len(manager.ActiveStrategies())
	logger.Printf("strategies resumed from store: %d", resumed)
	if err := launchBootStrategies(ctx, logger, manager, appCfg.Strategies, resumed); err != nil {
		logger.Fatalf("launch boot strategies: %v", err)
	}
	eng.SetDispatcher(manager)

	engineCtx, engineCancel := context.WithCancel(ctx)
	defer engineCancel()
	lifecycle.Go(func() {
		if err := eng.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("engine: %v", err)
		}
		// A stop event ends the engine before any signal arrives.
		cancel()
	})
	if journalWriter != nil {
		lifecycle.Go(func() { runJournalFlusher(engineCtx, logger, journalWriter, appCfg.Journal.FlushInterval) })
	}

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, manager, healthChecks(stores.pool, journalConn))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  engineCancel,
		lifecycle:   &lifecycle,
		journal:     journalWriter,
		journalConn: journalConn,
		pool:        stores.pool,
		telemetry:   telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEngineLogger() *log.Logger {
	return log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type storeSet struct {
	pool       *pgxpool.Pool
	strategies strategystore.Store
	wallets    strategystore.WalletStore
}

func openStores(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (storeSet, error) {
	if !cfg.Enabled() {
		logger.Print("no database configured; strategy state kept in memory")
		return storeSet{
			strategies: memory.NewStrategyStore(),
			wallets:    memory.NewWalletStore(),
		}, nil
	}
	if cfg.RunMigrations {
		if err := migrations.ApplyFS(ctx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return storeSet{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, cfg.DSN, postgres.PoolOptions{
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return storeSet{}, err
	}
	if err := postgres.ObservePoolMetrics(pool, databasePoolName); err != nil {
		logger.Printf("database pool metrics unavailable: %v", err)
	}
	store := postgres.New(pool)
	return storeSet{pool: pool, strategies: store.Strategies, wallets: store.Wallets}, nil
}

func openJournal(ctx context.Context, logger *log.Logger, cfg config.JournalConfig) (*clickhouse.Journal, *clickhouse.Conn, error) {
	if !cfg.Enabled() {
		logger.Print("no journal configured; journal strategies unavailable")
		return nil, nil, nil
	}
	conn, err := clickhouse.NewConn(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.EnsureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return clickhouse.NewJournal(conn, cfg.BatchSize), conn, nil
}

// wireLedger attaches the executor and confirmation collector for the
// configured mode and returns the balance book both modes share.
func wireLedger(ctx context.Context, logger *log.Logger, cfg config.AppConfig, eng *engine.Engine, reg *registry.Registry, lifecycle *conc.WaitGroup) (*balances.Book, error) {
	pollerCfg := collectors.PollerConfig{
		Interval:      cfg.Collectors.ConfirmationInterval,
		RatePerSecond: cfg.Collectors.ConfirmationRate,
		Burst:         cfg.Executor.Burst,
		Logger:        logger,
	}

	if cfg.Executor.Mode == config.ModePaper {
		paper, err := seedPaperLedger(cfg.Executor.PaperBalances)
		if err != nil {
			return nil, err
		}
		book := balances.NewBook(paper, logger)
		eng.AddExecutor(executors.NewPaper(reg, book, logger))
		eng.AddCollector(collectors.NewConfirmationPoller(reg, paper, pollerCfg))
		logger.Printf("paper ledger seeded: wallets=%d", len(cfg.Executor.PaperBalances))
		return book, nil
	}

	client := ledgerrpc.NewClient(cfg.Ledger.RPCURL,
		ledgerrpc.WithTimeout(cfg.Ledger.RequestTimeout),
		ledgerrpc.WithMaxRetries(cfg.Ledger.MaxRetries),
		ledgerrpc.WithLogger(logger),
	)
	book := balances.NewBook(client, logger)
	executor, err := executors.NewLedger(client, executors.NewRemoteBuilder(cfg.Executor.BuilderURL, cfg.Executor.BuilderTimeout), reg, book, executors.LedgerConfig{
		Simulate:          cfg.Executor.Simulate,
		SimulationRetries: cfg.Executor.SimulationRetries,
		ActionExpiry:      cfg.Executor.ActionExpiry,
		RatePerSecond:     cfg.Executor.RatePerSecond,
		Burst:             cfg.Executor.Burst,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build ledger executor: %w", err)
	}
	eng.AddExecutor(executor)

	if cfg.Collectors.WebsocketConfirmations {
		ws := ledgerrpc.NewWSClient(cfg.Ledger.WSURL, logger)
		lifecycle.Go(func() {
			if err := ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("ledger websocket: %v", err)
			}
		})
		eng.AddCollector(collectors.NewConfirmationSubscriber(reg, ws, cfg.Collectors.ConfirmationInterval, logger))
	} else {
		eng.AddCollector(collectors.NewConfirmationPoller(reg, client, pollerCfg))
	}
	logger.Printf("ledger executor ready: rpc=%s, simulate=%t", cfg.Ledger.RPCURL, cfg.Executor.Simulate)
	return book, nil
}

func seedPaperLedger(seeds []config.PaperBalance) (*ledgerrpc.Paper, error) {
	paper := ledgerrpc.NewPaper()
	for _, seed := range seeds {
		owner, err := ledger.ParsePublicKey(seed.Wallet)
		if err != nil {
			return nil, fmt.Errorf("paper balance wallet %q: %w", seed.Wallet, err)
		}
		amount, err := seed.Amount()
		if err != nil {
			return nil, fmt.Errorf("paper balance %s: %w", seed.Wallet, err)
		}
		paper.Seed(owner, ledger.SolToLamports(amount))
	}
	return paper, nil
}

// strategyLauncher is the part of the manager boot strategies need.
type strategyLauncher interface {
	Launch(ctx context.Context, variant strategy.Variant, config []byte) (strategy.ID, error)
}

func launchBootStrategies(ctx context.Context, logger *log.Logger, launcher strategyLauncher, boot []config.BootStrategy, resumed int) error {
	if len(boot) == 0 {
		return nil
	}
	if resumed > 0 {
		logger.Printf("skipping %d boot strategies: %d strategies resumed from store", len(boot), resumed)
		return nil
	}
	for i, entry := range boot {
		raw, err := entry.ConfigJSON()
		if err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
		id, err := launcher.Launch(ctx, strategy.Variant(entry.Variant), raw)
		if err != nil {
			return fmt.Errorf("strategies[%d] (%s): %w", i, entry.Variant, err)
		}
		logger.Printf("boot strategy started: id=%d variant=%s", id, entry.Variant)
	}
	return nil
}

func runJournalFlusher(ctx context.Context, logger *log.Logger, journal *clickhouse.Journal, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := journal.Flush(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("journal flush: %v", err)
			}
		}
	}
}

func healthChecks(pool *pgxpool.Pool, conn *clickhouse.Conn) map[string]httpserver.HealthCheck {
	checks := make(map[string]httpserver.HealthCheck)
	if pool != nil {
		checks["database"] = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			return pool.Ping(ctx)
		}
	}
	if conn != nil {
		checks["journal"] = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			return conn.Ping(ctx)
		}
	}
	return checks
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, manager httpserver.Controller, checks map[string]httpserver.HealthCheck) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, manager, checks),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	journal     *clickhouse.Journal
	journalConn *clickhouse.Conn
	pool        *pgxpool.Pool
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling engine context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.journal != nil {
		shutdownStep("flushing journal", journalShutdownTimeout, func(stepCtx context.Context) error {
			err := cfg.journal.Flush(stepCtx)
			if cfg.journalConn != nil {
				err = errors.Join(err, cfg.journalConn.Close())
			}
			return err
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
