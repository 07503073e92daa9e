package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/config"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/reaper"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		logger.Info("migrations applied")
	}

	srv, err := httpapi.NewServer(cfg)
	if err != nil {
		log.Fatalf("server wiring: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reapers share the same stores and live channel as the request path;
	// the op-locks keep concurrent instances from double-processing.
	locks := srv.Dispatch.Locks
	startReapers(ctx, cfg, srv, locks)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func startReapers(ctx context.Context, cfg config.ServerConfig, srv *httpapi.Server, locks oplock.Locker) {
	logger := logging.NewLogger(cfg.LogLevel)

	hb := &reaper.HeartbeatReaper{
		Trips:        srv.Dispatch.Trips,
		Drivers:      srv.Dispatch.Drivers,
		Dispatch:     srv.Dispatch,
		Live:         srv.WSReg,
		Locks:        locks,
		Logger:       logging.Component(logger, "heartbeat-reaper"),
		Stale:        cfg.HeartbeatStale,
		Grace:        cfg.AcceptGrace,
		MaxReassigns: cfg.MaxReassigns,
		Interval:     cfg.HeartbeatSweep,
	}
	go hb.Run(ctx)

	stale := &reaper.StaleRequestReaper{
		Trips:      srv.Dispatch.Trips,
		Dispatch:   srv.Dispatch,
		Live:       srv.WSReg,
		Locks:      locks,
		Logger:     logging.Component(logger, "stale-reaper"),
		RequestTTL: cfg.RequestTTL,
		Interval:   cfg.StaleSweep,
	}
	go stale.Run(ctx)

	retry := &reaper.NotifyRetryJob{
		Trips:       srv.Dispatch.Trips,
		Live:        srv.WSReg,
		Locks:       locks,
		Logger:      logging.Component(logger, "notify-retry"),
		Backoff:     cfg.NotifyBackoff,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Interval:    cfg.NotifySweep,
	}
	go retry.Run(ctx)

	sweep := &reaper.ConsistencySweep{
		Trips:    srv.Dispatch.Trips,
		Drivers:  srv.Dispatch.Drivers,
		Locks:    locks,
		Logger:   logging.Component(logger, "consistency-sweep"),
		Interval: cfg.ConsistencySweep,
	}
	go sweep.Run(ctx)
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, string(b))
	return err
}
