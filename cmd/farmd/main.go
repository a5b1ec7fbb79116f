// Command farmd runs the terminal farm: webhook ingress, trade
// reconciliation, command queue, quarantine replay, and terminal lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/farm"
	"github.com/tradetaper/terminal-farm/internal/infra/config"
	"github.com/tradetaper/terminal-farm/internal/infra/persistence/migrations"
	"github.com/tradetaper/terminal-farm/internal/infra/persistence/postgres"
	httpserver "github.com/tradetaper/terminal-farm/internal/infra/server/http"
	"github.com/tradetaper/terminal-farm/internal/lifecycle"
	"github.com/tradetaper/terminal-farm/internal/observability"
	"github.com/tradetaper/terminal-farm/internal/processor"
	"github.com/tradetaper/terminal-farm/internal/quarantine"
	"github.com/tradetaper/terminal-farm/internal/telemetry"
	"github.com/tradetaper/terminal-farm/internal/terminaltoken"
)

const (
	defaultConfigPath        = "config/app.yaml"
	farmLoggerPrefix         = "farmd "
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, farmLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Environment == config.EnvDev))
	logger.Printf("configuration initialised: env=%s, addr=%s", cfg.Environment, cfg.Server.Addr)

	telemetryProvider, metrics, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, cfg.DatabaseURL, logger); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	trades := postgres.NewTradeStore(pool)
	terminals := postgres.NewTerminalStore(pool)
	accounts := postgres.NewAccountStore(pool)

	commands := buildCommandQueue(ctx, logger, pool)
	parked := buildQuarantine(ctx, logger, pool)

	tokens := terminaltoken.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	hub := httpserver.NewPositionsHub()

	service := farm.NewService(farm.Deps{
		Processor:          processor.New(trades, commands),
		Trades:             trades,
		Terminals:          terminals,
		Accounts:           accounts,
		Commands:           commands,
		Quarantine:         parked,
		Metrics:            metrics,
		Publisher:          hub,
		OrchestratorSecret: cfg.Orchestrator.Secret,
	})

	manager := lifecycle.NewManager(terminals, accounts, buildProvisioner(logger, cfg), commands, tokens, lifecycle.Options{
		HeartbeatTimeout: cfg.Monitor.HeartbeatTimeout,
		MonitorInterval:  cfg.Monitor.Interval,
	})

	replayWorker := quarantine.NewWorker(parked, service.ReplayDeal,
		quarantine.WithPollInterval(cfg.Quarantine.PollInterval),
		quarantine.WithMaxAttempts(cfg.Quarantine.MaxAttempts),
		quarantine.WithInitialDelay(cfg.Quarantine.InitialDelay),
	)

	var background conc.WaitGroup
	background.Go(func() { replayWorker.Run(ctx) })
	background.Go(func() { manager.RunMonitor(ctx) })

	handler := httpserver.NewHandler(httpserver.Deps{
		Service:       service,
		Lifecycle:     manager,
		Tokens:        tokens,
		Users:         httpserver.NewJWTUserVerifier(cfg.Auth.TokenSecret),
		Metrics:       metrics,
		WebhookSecret: cfg.Auth.WebhookSecret,
		Hub:           hub,
	})
	server := httpserver.NewServer(cfg.Server.Addr, handler, cfg.Server.ShutdownTimeout)

	background.Go(func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Printf("http server: %v", err)
			cancel()
		}
	})
	logger.Printf("terminal farm listening on %s", cfg.Server.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")
	shutdownStart := time.Now()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
	cancel()
	background.Wait()
	manager.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryProvider.Shutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	telemetryCancel()

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, *telemetry.Metrics, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.EnableMetrics,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter())
	if err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, metrics, nil
}

// buildCommandQueue prefers the durable queue and degrades to in-memory when
// the backing tables are unreachable. Degraded mode keeps serving but loses
// commands on restart; health reporting surfaces it.
func buildCommandQueue(ctx context.Context, logger *log.Logger, pool *pgxpool.Pool) commandqueue.Queue {
	durable := commandqueue.NewDurable(postgres.NewCommandStore(pool))
	if _, err := durable.Stats(ctx); err != nil {
		logger.Printf("durable command queue unavailable, falling back to in-memory: %v", err)
		return commandqueue.NewMemory()
	}
	return durable
}

func buildQuarantine(ctx context.Context, logger *log.Logger, pool *pgxpool.Pool) *quarantine.Queue {
	durable := quarantine.NewQueue(postgres.NewQuarantineStore(pool))
	if _, err := durable.Stats(ctx); err != nil {
		logger.Printf("durable quarantine queue unavailable, falling back to in-memory: %v", err)
		return quarantine.NewMemoryQueue()
	}
	return durable
}

func buildProvisioner(logger *log.Logger, cfg config.AppConfig) lifecycle.Provisioner {
	if cfg.SimulatedProvisioning() {
		logger.Print("no orchestrator configured, using simulated provisioning")
		return lifecycle.SimulatedProvisioner{}
	}
	return lifecycle.NewHTTPProvisioner(cfg.Orchestrator.URL, cfg.Orchestrator.Secret, cfg.Orchestrator.Timeout)
}
