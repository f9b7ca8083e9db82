// Command markerserver runs the real-time spatial marker fan-out service:
// it ingests marker changes from NATS JetStream and a periodic HTTP
// hydration pass, maintains an R-tree spatial index of marker positions,
// and streams per-viewport deltas to connected websocket clients. The
// bootstrap sequence (logging -> telemetry -> config -> dependent
// subsystems -> HTTP listen -> signal-driven graceful shutdown) follows
// the teacher's cmd/server/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/annel0/mmo-game/internal/batch"
	"github.com/annel0/mmo-game/internal/config"
	"github.com/annel0/mmo-game/internal/connmanager"
	"github.com/annel0/mmo-game/internal/diagnostics"
	"github.com/annel0/mmo-game/internal/httpapi"
	"github.com/annel0/mmo-game/internal/hub"
	"github.com/annel0/mmo-game/internal/hydrate"
	"github.com/annel0/mmo-game/internal/instance"
	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/observability"
	"github.com/annel0/mmo-game/internal/pubsub"
	"github.com/annel0/mmo-game/internal/router"
	"github.com/annel0/mmo-game/internal/spatialindex"
)

func main() {
	if err := logging.InitDefault("markerserver"); err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logging.CloseDefault()

	logging.Info("starting markerserver")

	shutdownTel, err := observability.InitTelemetry(context.Background(), "markerserver")
	if err != nil {
		logging.Warn("telemetry init failed, continuing without tracing: %v", err)
		shutdownTel = func(context.Context) error { return nil }
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	instanceID := uuid.NewString()
	logging.Info("instance id: %s", instanceID)

	index := spatialindex.New()
	store := marker.NewStore()
	r := router.New()
	h := hub.New(index, store, r, logging.Component("hub"))

	reg := instance.New(instance.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, instanceID, logging.Component("instance"))
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	registryErr := reg.Ping(pingCtx)
	if registryErr != nil {
		logging.Warn("instance registry unavailable, continuing without leader election: %v", registryErr)
	}
	pingCancel()

	consumer, err := pubsub.New(pubsub.Config{URL: cfg.PubSubURL()}, h, logging.Component("pubsub"))
	if err != nil {
		log.Fatalf("failed to initialize pubsub consumer: %v", err)
	}

	hydrator := hydrate.New(hydrate.Config{
		EventsURL: cfg.Upstream.EventsURL,
		Retries:   cfg.Session.HydrateRetries,
	}, h, logging.Component("hydrate"))

	connManager := connmanager.New(h, logging.Component("connmanager"), instanceID, cfg.Session.OutboundQueueCap, cfg.IdleTimeout())
	metrics := observability.NewServerMetrics(r, consumer)
	coalescer := batch.New(r, cfg.BatchInterval(), logging.Component("batch")).WithMetrics(metrics)
	sampler, err := diagnostics.New(r, 30*time.Second, logging.Component("diagnostics"))
	if err != nil {
		logging.Warn("diagnostics sampler unavailable: %v", err)
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Listen.Port)
	server := httpapi.New(listenAddr, connManager)
	httpServer := &http.Server{Addr: listenAddr, Handler: server.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return consumer.Start(groupCtx)
	})

	diagnosticsStop := make(chan struct{})
	if sampler != nil {
		group.Go(func() error {
			sampler.Run(diagnosticsStop)
			return nil
		})
	}

	if registryErr != nil {
		group.Go(func() error { hydrator.Run(groupCtx); return nil })
	} else {
		group.Go(func() error { reg.RunHeartbeat(groupCtx); return nil })
		var cancelHydrate context.CancelFunc
		group.Go(func() error {
			reg.RunLeaderElection(groupCtx, func() {
				hydrateCtx, cancel := context.WithCancel(groupCtx)
				cancelHydrate = cancel
				group.Go(func() error { hydrator.Run(hydrateCtx); return nil })
			}, func() {
				cancelHydrate()
				logging.Info("markerserver: lost hydrate leadership, hydrator stopped")
			})
			return nil
		})
	}

	metrics.Start()
	coalescer.Start()

	group.Go(func() error {
		logging.Info("markerserver: listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-groupCtx.Done()
	logging.Info("markerserver: shutting down (signal received or a worker failed)")

	close(diagnosticsStop)
	coalescer.Stop()
	metrics.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("markerserver: http shutdown error: %v", err)
	}

	for _, s := range r.Sessions() {
		s.RequestClose()
	}

	if err := reg.Close(); err != nil {
		logging.Warn("markerserver: instance registry close error: %v", err)
	}

	if err := shutdownTel(context.Background()); err != nil {
		logging.Warn("markerserver: telemetry shutdown error: %v", err)
	}

	if err := group.Wait(); err != nil {
		logging.Error("markerserver: exited with error: %v", err)
		os.Exit(1)
	}

	logging.Info("markerserver: shutdown complete")
}
