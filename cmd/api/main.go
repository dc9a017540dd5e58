package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"w3bauth.org/internal/config"
	"w3bauth.org/internal/consent"
	"w3bauth.org/internal/httpapi"
	"w3bauth.org/internal/obs"
	"w3bauth.org/internal/store/cache"
	"w3bauth.org/internal/store/pg"
	"w3bauth.org/internal/store/sqlite"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer obs.SetLogger(logger)()
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("siwe-api stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

type backend struct {
	clients  consent.ClientRegistry
	consents consent.Store
	db       *sql.DB
	close    func() error
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := pg.Open(cfg.DBDSN)
		if err != nil {
			return backend{}, err
		}
		return backend{clients: s, consents: s, db: s.DB(), close: s.Close}, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.DBDSN)
		if err != nil {
			return backend{}, err
		}
		return backend{clients: s, consents: s, db: s.DB(), close: s.Close}, nil
	default:
		logger.Warn("using in-memory consent store; data is lost on restart")
		mem := consent.NewMemory()
		mem.PutClient(consent.ClientApplication{ClientID: "app1", Name: "Demo"})
		return backend{clients: mem, consents: mem, close: func() error { return nil }}, nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	defer func() { _ = be.close() }()

	probe := httpapi.ReadyProbe{DB: be.db}
	clients := be.clients
	if cfg.RedisAddr != "" {
		cached, err := cache.NewClients(ctx, be.clients, cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.ClientCacheTTL,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = cached.Close() }()
		clients = cached
		probe.Cache = cached
	}

	svc, err := consent.NewService(clients, be.consents)
	if err != nil {
		return err
	}

	api := httpapi.New(svc, probe, httpapi.Options{
		Version:        version,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     cfg.RatePerSec,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewHealthServer(probe)
	health.Register(grpcSrv)
	go health.Run(ctx, 10*time.Second)

	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return runErr
}
