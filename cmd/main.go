package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nilelink/settlement-service/internal/alerting"
	"github.com/nilelink/settlement-service/internal/breaker"
	"github.com/nilelink/settlement-service/internal/chain"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/internal/domain/services/reconciliation"
	"github.com/nilelink/settlement-service/internal/infrastructure/cache"
	"github.com/nilelink/settlement-service/internal/infrastructure/config"
	"github.com/nilelink/settlement-service/internal/infrastructure/database"
	"github.com/nilelink/settlement-service/internal/infrastructure/repositories"
	"github.com/nilelink/settlement-service/internal/listener"
	"github.com/nilelink/settlement-service/internal/workers/retryqueue"
	"github.com/nilelink/settlement-service/pkg/graceful"
	"github.com/nilelink/settlement-service/pkg/logger"
	"github.com/nilelink/settlement-service/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer func() { _ = log.Sync() }()

	log.Info("Starting settlement service", "environment", cfg.Environment)

	m := metrics.New()

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	// Redis is a fast path, not a dependency; the service runs without it.
	var seen *cache.Cache
	if cfg.Redis.Enabled {
		seen, err = cache.NewCache(cfg.Redis, log.Zap())
		if err != nil {
			log.Warn("Redis unavailable, continuing without cache", "error", err)
			seen = nil
		}
	}

	sinks := []alerting.Sink{alerting.NewLogSink(log)}
	if cfg.Alerting.EmailEnabled {
		emailSink, err := alerting.NewEmailSink(alerting.EmailSinkConfig{
			APIKey:    cfg.Alerting.SendGridKey,
			FromEmail: cfg.Alerting.FromEmail,
			ToEmail:   cfg.Alerting.ToEmail,
		})
		if err != nil {
			log.Warn("Email alerting disabled", "error", err)
		} else {
			sinks = append(sinks, emailSink)
		}
	}
	alerts := alerting.NewDispatcher(log, sinks...)

	breakers := breaker.NewManager(breakerConfig(cfg.Breaker), log, alerts, m)
	breakers.StartSweep()

	chainClient, err := chain.Dial(cfg.Blockchain.RPCURL, breakers, m)
	if err != nil {
		log.Fatal("Failed to dial RPC provider", "error", err)
	}

	oracle := chain.NewGasOracle(
		chainClient,
		seen,
		log,
		time.Duration(cfg.Blockchain.GasPriceCacheTTL)*time.Second,
		cfg.Blockchain.GasPriceFloorWei,
	)
	monitor := chain.NewMonitor(chainClient, alerts, log)
	relay := chain.NewRelay(chainClient, oracle, monitor, log,
		time.Duration(cfg.Blockchain.MonitorTimeoutMin)*time.Minute)

	orderRepo := repositories.NewOrderRepository(db, log)
	paymentRepo := repositories.NewPaymentRepository(db, log)
	orphanRepo := repositories.NewOrphanedPaymentRepository(db, log)
	retryRepo := repositories.NewRetryOperationRepository(db, log)
	checkpointRepo := repositories.NewCheckpointRepository(db, log)

	reconciler := reconciliation.NewService(
		orderRepo, paymentRepo, orphanRepo, retryRepo,
		breakers, seen, alerts, log, m, cfg.RetryQueue.MaxRetries,
	)

	processor := retryqueue.NewProcessor(retryRepo, alerts, log, m, retryqueue.Config{
		PollInterval: time.Duration(cfg.RetryQueue.PollInterval) * time.Second,
		BatchSize:    cfg.RetryQueue.BatchSize,
		WorkerCount:  cfg.RetryQueue.WorkerCount,
	})
	processor.Register(entities.OperationKindReconcileWrite, reconciler.ReplayStatusWrite)
	processor.Register(entities.OperationKindRelayTransaction, relay.Execute)
	processor.Start()

	eventListener, err := listener.New(chainClient, reconciler, checkpointRepo, listener.Config{
		ContractAddress: cfg.Blockchain.SettlementContract,
		DeploymentBlock: cfg.Blockchain.DeploymentBlock,
		ChunkSize:       cfg.Blockchain.SyncChunkSize,
	}, log, m)
	if err != nil {
		log.Fatal("Failed to build event listener", "error", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := eventListener.Start(startCtx); err != nil {
		cancelStart()
		log.Fatal("Failed to start event listener", "error", err)
	}
	cancelStart()

	// Scheduled resync covers HTTP providers and any events a dropped
	// subscription missed; the probe brings the listener back online.
	scheduler := cron.New()
	pollSpec := fmt.Sprintf("@every %ds", cfg.Blockchain.PollInterval)
	if _, err := scheduler.AddFunc(pollSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		eventListener.Poll(ctx)
	}); err != nil {
		log.Fatal("Failed to schedule resync", "error", err)
	}
	scheduler.Start()

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: buildMux(m, eventListener, breakers, retryRepo, orphanRepo),
	}
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	sm := graceful.NewShutdownManager(server, db, log)
	if seen != nil {
		sm.Register(shutdownFunc(func(time.Duration) error { return seen.Close() }))
	}
	sm.Register(breakers)
	sm.Register(monitor)
	sm.Register(processor)
	sm.Register(eventListener)
	sm.Register(shutdownFunc(func(time.Duration) error {
		<-scheduler.Stop().Done()
		return nil
	}))
	sm.WaitForShutdown()
}

// healthResponse is the /healthz payload
type healthResponse struct {
	Status   string            `json:"status"`
	Chain    listener.Health   `json:"chain"`
	Breakers map[string]string `json:"breakers"`
	Pending  int               `json:"pendingRetries"`
	Orphans  int               `json:"unreviewedOrphans"`
}

func buildMux(m *metrics.Metrics, l *listener.Listener, breakers *breaker.Manager, retries *repositories.RetryOperationRepository, orphans *repositories.OrphanedPaymentRepository) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		pending, err := retries.CountPending(ctx)
		if err != nil {
			pending = -1
		}
		unreviewed, err := orphans.CountUnreviewed(ctx)
		if err != nil {
			unreviewed = -1
		}

		resp := healthResponse{
			Status: "ok",
			Chain:  l.Health(),
			Breakers: map[string]string{
				breaker.DepChainRPC:   breakers.State(breaker.DepChainRPC).String(),
				breaker.DepOrderStore: breakers.State(breaker.DepOrderStore).String(),
			},
			Pending: pending,
			Orphans: unreviewed,
		}
		if l.Offline() {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func breakerConfig(cfg config.BreakerConfig) breaker.Config {
	out := breaker.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		out.FailureThreshold = uint32(cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold > 0 {
		out.SuccessThreshold = uint32(cfg.SuccessThreshold)
	}
	if cfg.RecoveryTimeout > 0 {
		out.RecoveryTimeout = time.Duration(cfg.RecoveryTimeout) * time.Second
	}
	if cfg.MonitoringPeriod > 0 {
		out.MonitoringPeriod = time.Duration(cfg.MonitoringPeriod) * time.Second
	}
	if cfg.SweepInterval > 0 {
		out.SweepInterval = time.Duration(cfg.SweepInterval) * time.Second
	}
	if cfg.CallTimeout > 0 {
		out.CallTimeout = time.Duration(cfg.CallTimeout) * time.Second
	}
	return out
}

// shutdownFunc adapts a closure to the graceful Shutdowner interface
type shutdownFunc func(timeout time.Duration) error

func (f shutdownFunc) Shutdown(timeout time.Duration) error {
	return f(timeout)
}
