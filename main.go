package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaymon/internal/config"
	"relaymon/internal/controllers"
	"relaymon/internal/routes"
	"relaymon/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("[CONFIG] %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("relaymon: %v", err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The node id is fixed for the lifetime of the process
	nodeID := uint8(rand.IntN(256))
	if cfg.NodeID != nil {
		nodeID = uint8(*cfg.NodeID)
	}

	store, err := services.NewStateStore(services.NewSystemMetrics(), nodeID, cfg.ProcessName)
	if err != nil {
		return err
	}

	var hub *services.WebSocketHub
	if cfg.HTTPEnabled() {
		hub = services.NewWebSocketHub()
		defer hub.Stop()
	}

	forwarder := services.NewForwardingClient(cfg.UpstreamAddr, cfg.StatusFraming, cfg.DialTimeout, hub)
	sender := services.NewBulkFileSender(cfg.DownstreamAddr, cfg.ArtifactDir, cfg.ArtifactSuffix, cfg.DialTimeout)
	history := services.NewProgressHistory(cfg.HistoryPoints)

	telemetry := services.NewTelemetryServer(services.TelemetryOptions{
		Addr:           cfg.TelemetryAddr(),
		ReadTimeout:    cfg.ReadTimeout,
		MaxConnections: int64(cfg.MaxConnections),
		StrictLength:   cfg.StrictLength,
	}, store, forwarder, sender, history)
	relay := services.NewFileRelayServer(cfg.FileRelayAddr(), cfg.RelayDir, cfg.RelayFilePrefix, cfg.RelayFileExt)

	if err := telemetry.Listen(); err != nil {
		return err
	}
	if err := relay.Listen(); err != nil {
		return err
	}

	log.Printf("Node %d forwarding status to %s (%s framing), artifacts to %s",
		nodeID, cfg.UpstreamAddr, cfg.StatusFraming, cfg.DownstreamAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return telemetry.Serve(gctx) })
	g.Go(func() error { return relay.Serve(gctx) })

	if cfg.HTTPEnabled() {
		gin.SetMode(gin.ReleaseMode)
		router := routes.NewRouter(
			&controllers.StatusController{
				Store:     store,
				History:   history,
				Relay:     relay,
				Telemetry: telemetry,
				Forwarder: forwarder,
			},
			&controllers.WebSocketController{Hub: hub},
			cfg.HTTPAllow,
		)
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Printf("[HTTP] Status API listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hub.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Printf("relaymon stopped")
	return err
}
