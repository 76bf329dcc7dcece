package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/credential"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if err := validateProductionRuntime(cfg); err != nil {
		log.Fatalf("production runtime check: %v", err)
	}

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}
	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	metrics := server.NewMetrics()
	registry := paycode.NewCodeRegistry(clk, store, paycode.RegistryConfig{
		CodeDigits:    cfg.CodeDigits,
		MaxAttempts:   cfg.CodeMaxAttempts,
		DefaultTTL:    cfg.CodeTTL,
		MaxTTL:        cfg.CodeMaxTTL,
		AmountCeiling: cfg.AmountCeiling,
	})
	registry.Observer = metrics
	registry.Logger = logger.With("component", "registry")
	engine := paycode.NewSettlementEngine(clk, store, registry, credential.NewBcryptVerifier())
	engine.Observer = metrics
	engine.Logger = logger.With("component", "settlement")
	sweeper := paycode.NewSweeper(registry, cfg.SweepBatchSize)
	sweeper.Start(ctx, cfg.SweepInterval, func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...), "component", "sweep")
	}, func(expired int64, err error) {
		metrics.ObserveSweep(expired, err)
		metrics.RefreshCodeCounts(ctx, store)
	})
	metrics.RefreshCodeCounts(ctx, store)

	svc := &server.PaymentCodeService{
		Clock:    clk,
		Registry: registry,
		Engine:   engine,
		Sweeper:  sweeper,
		Metrics:  metrics,
		Logger:   logger.With("component", "http"),
		States:   store,
	}
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	grpcOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(
		server.UnaryMetricsInterceptor(metrics),
		auth.UnaryJWTInterceptor(verifier, auth.HealthCheckMethods),
	)}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(grpcServer, hs)
	server.RegisterPaymentCodeServer(grpcServer, server.PaymentCodeGRPC{Service: svc})

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen grpc: %v", err)
	}

	mux := http.NewServeMux()
	system := server.SystemHandler{StartedAt: startedAt, Clock: clk, Version: cfg.Version}
	if db != nil {
		system.Ready = db.PingContext
	}
	system.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	gwMux := runtime.NewServeMux()
	if err := svc.RegisterGateway(gwMux); err != nil {
		log.Fatalf("register gateway handlers: %v", err)
	}
	mux.Handle("/v1/", auth.HTTPJWTMiddleware(verifier, gwMux))

	guard, err := server.NewRemoteAccessGuard(clk, audit.NewInMemoryChain(), cfg.TrustedCIDRs)
	if err != nil {
		log.Fatalf("configure remote access guard: %v", err)
	}
	guard.Metrics = metrics
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.HTTPMetricsMiddleware(metrics, guard.Wrap(mux)),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hs.SetServingStatus("", healthv1.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// openStore returns the Postgres store when a database is configured, after
// applying migrations. Without one it falls back to an empty in-memory store,
// which only suits local development.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (paycode.Store, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured; using in-memory store")
		mem := ledger.NewMemoryStore()
		mem.LockTimeout = cfg.LockTimeout
		return mem, nil, nil
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	applied, err := ledger.Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}
	pg := ledger.NewPostgresStore(db)
	pg.LockTimeout = cfg.LockTimeout
	return pg, db, nil
}

func validateProductionRuntime(cfg config.Config) error {
	if !cfg.StrictProduction {
		return nil
	}
	if cfg.DatabaseURL == "" {
		return errors.New("strict production requires PAYCODE_DATABASE_URL")
	}
	if !cfg.TLS.Enabled {
		return errors.New("strict production requires PAYCODE_TLS_ENABLED=true")
	}
	if cfg.JWTSecret == "" || cfg.JWTSecret == config.DefaultJWTSecret {
		return errors.New("strict production requires a non-default PAYCODE_JWT_SECRET")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("strict production requires PAYCODE_JWT_SECRET of at least 32 bytes")
	}
	return nil
}
