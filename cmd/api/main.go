package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"caregrid.org/internal/audit"
	"caregrid.org/internal/authz"
	"caregrid.org/internal/config"
	"caregrid.org/internal/httpapi"
	"caregrid.org/internal/obs"
	"caregrid.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("config", zap.Error(err))
	}
	if cfg.Env == "development" {
		if l, err := zap.NewDevelopment(); err == nil {
			obs.SetLogger(l)
		}
	}
	obs.Init()
	defer obs.Sync()
	log := obs.Logger()

	var (
		store  authz.Store
		outbox audit.Outbox
		ledger audit.Ledger
		probe  httpapi.ReadyProbe
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("open database", zap.Error(err))
		}
		defer pgStore.Close()
		store, outbox, ledger = pgStore, pgStore, pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn("DATABASE_URL unset, running on the in-memory store")
		memLog := audit.NewMemoryLog()
		store, outbox, ledger = authz.NewMemoryStore(), memLog, memLog
	}

	recorder := audit.NewRecorder(outbox)
	svc, err := authz.NewService(store, recorder, ledger,
		authz.WithSessionTTL(cfg.SessionTTL),
		authz.WithGrantCooldown(cfg.GrantCooldown),
		authz.WithGrantWindow(cfg.GrantWindow),
	)
	if err != nil {
		log.Fatal("service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := audit.NewDispatcher(outbox, ledger, cfg.OutboxTick, cfg.OutboxBatch)
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	// Expired sessions are swept lazily on resolution; the ticker keeps the
	// table from accumulating tokens nobody presents anymore.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := svc.SweepExpiredSessions(ctx); err != nil {
					log.Error("session sweep", zap.Error(err))
				} else if n > 0 {
					log.Info("session sweep", zap.Int("removed", n))
				}
			}
		}
	}()

	api := httpapi.New(svc, probe, version,
		httpapi.WithDevMode(cfg.Env == "development"),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("starting caregrid-authz", zap.String("version", version), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel() // stops the dispatcher, which flushes the outbox on the way out
	<-dispatcherDone
	log.Info("stopped")
}
