package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/lobby/internal/config"
	"github.com/ent0n29/lobby/internal/httpapi"
	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/lobby"
	"github.com/ent0n29/lobby/internal/observability"
	"github.com/ent0n29/lobby/internal/realtime"
	"github.com/ent0n29/lobby/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	sessionStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer sessionStore.Close()
	log.Printf("session store: %s", store.Mode(sessionStore))

	seats := ledger.New()

	hub := realtime.NewHub(cfg.EventBuffer)
	hub.SetDropHook(func(_ *realtime.Subscription) {
		metrics.SubscriberDrops.Inc()
	})

	reconciler := lobby.NewReconciler(sessionStore, cfg.StoreTimeout)
	reconciler.SetBacklogHook(func(n int) {
		metrics.ReconcileBacklog.Set(float64(n))
	})

	lifecycle := lobby.NewLifecycle(seats, sessionStore, hub, cfg.StoreTimeout)
	lifecycle.SetMetrics(metrics)
	lifecycle.SetReconciler(reconciler)

	allocator, err := lobby.NewAllocator(lobby.Config{
		Capacity:     cfg.Capacity,
		RetryLimit:   cfg.JoinRetryLimit,
		Role:         cfg.ParticipantRole,
		StoreTimeout: cfg.StoreTimeout,
	}, seats, sessionStore, lifecycle)
	if err != nil {
		log.Fatalf("allocator init failed: %v", err)
	}
	allocator.SetMetrics(metrics)
	allocator.SetReconciler(reconciler)
	allocator.SetEventPublisher(hub)

	api := httpapi.New(cfg, httpapi.Services{
		Ledger:    seats,
		Store:     sessionStore,
		Allocator: allocator,
		Lifecycle: lifecycle,
		Hub:       hub,
	}, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	seats.StartJanitor(runCtx, cfg.JanitorInterval, cfg.ClosedRetention, func(n int) {
		metrics.SessionEvents.WithLabelValues("pruned").Add(float64(n))
		metrics.SetSessionStats(seats.Stats())
	})
	reconciler.StartJanitor(runCtx, cfg.ReconcileInterval)

	go func() {
		log.Printf("server listening on %s (capacity=%d retry_limit=%d)", cfg.BindAddr, cfg.Capacity, cfg.JoinRetryLimit)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// One last replay of everything queued, backoff or not, before the store closes.
	if replayed, dropped := reconciler.Drain(shutdownCtx); replayed+dropped > 0 || reconciler.Pending() > 0 {
		log.Printf("reconciler: final drain replayed=%d dropped=%d pending=%d", replayed, dropped, reconciler.Pending())
	}
	runCancel()

	log.Printf("shutdown complete")
}
