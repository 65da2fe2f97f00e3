package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/config"
	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/handlers"
	"schooltrip-engine/internal/location"
	"schooltrip-engine/internal/metrics"
	"schooltrip-engine/internal/notify"
	"schooltrip-engine/internal/queue"
	"schooltrip-engine/internal/reconcile"
	"schooltrip-engine/internal/remote"
	"schooltrip-engine/internal/roster"
	"schooltrip-engine/internal/trip"
	"schooltrip-engine/internal/websocket"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the engine and its local API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "roster",
				Usage: "trip roster YAML to load when no unfinished trip can be resumed",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(c.Context, cfg, c.String("roster"))
		},
	}
}

func run(parent context.Context, cfg *config.Config, rosterPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		return err
	}

	collector := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := collector.Serve(cfg.MetricsAddr)
		defer srv.Close()
	}

	hub := websocket.NewHub()
	go hub.Run(ctx)

	alerter := newAlerter(ctx, cfg)
	clk := clock.Real()

	q := queue.New(db,
		queue.WithClock(clk),
		queue.WithMaxRetries(cfg.MaxRetries),
		queue.WithObserver(collector),
	)

	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.RemoteTimeout)
	reconciler := reconcile.New(q, client.Execute,
		reconcile.WithPublisher(hub),
		reconcile.WithAlerter(alerter),
		reconcile.WithClock(clk),
		reconcile.WithObserver(collector),
		reconcile.WithRetryInterval(cfg.RetryInterval),
	)
	defer reconciler.Close()
	go reconciler.Run(ctx)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = remote.ConnectNATS(cfg.NATSURL, "tripd", reconciler.OnConnectivityChanged)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	// Device GPS arrives over NATS when a subject is configured and through
	// the local API otherwise
	var provider location.Provider
	var fixes *location.ChannelProvider
	if cfg.NATSLocationSubject != "" {
		provider = location.NewNATSProvider(nc, cfg.NATSLocationSubject)
	} else {
		fixes = location.NewChannelProvider(32)
		provider = fixes
	}
	sampler := location.NewSampler(provider, cfg.Sampler, clk)

	machine := boarding.NewMachine(sampler, reconciler, cfg.Boarding,
		boarding.WithClock(clk),
		boarding.WithObserver(collector),
	)

	opts := []trip.Option{
		trip.WithSnapshots(trip.NewSQLSnapshots(db)),
		trip.WithAlerter(alerter),
		trip.WithClock(clk),
		trip.WithPublisher(hub),
		trip.WithObserver(collector),
	}
	if push := newPushSource(cfg, nc, reconciler); push != nil {
		opts = append(opts, trip.WithPushSource(push))
	}

	controller := trip.NewController(machine, sampler, reconciler, q, cfg.Trip, opts...)
	defer controller.Close()
	reconciler.SetController(controller)
	go controller.Run(ctx)

	if err := loadTrip(ctx, controller, rosterPath); err != nil {
		return err
	}

	if client.Configured() {
		// Assume the backend is reachable until the platform says otherwise;
		// this also flushes anything left from the previous run
		reconciler.OnConnectivityChanged(true)
	} else {
		log.Warn().Msg("REMOTE_BASE_URL not set, actions will queue until a backend is configured")
	}

	deps := handlers.Deps{
		Trips:     controller,
		Sync:      reconciler,
		Queue:     q,
		Hub:       hub,
		JWTSecret: cfg.JWTSecret,
	}
	if fixes != nil {
		deps.Fixes = fixes
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Local API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("local API failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadTrip resumes an unfinished trip, falling back to the roster file
func loadTrip(ctx context.Context, controller *trip.Controller, rosterPath string) error {
	session, err := controller.Resume(ctx)
	if err == nil {
		log.Info().Str("trip_id", session.ID).Str("status", string(session.Status)).Msg("Resumed unfinished trip")
		return nil
	}
	if !errors.Is(err, trip.ErrNoSnapshot) {
		return fmt.Errorf("failed to resume trip: %w", err)
	}

	if rosterPath == "" {
		log.Info().Msg("No trip to resume and no roster given, waiting for a trip")
		return nil
	}

	session, err = roster.Load(rosterPath)
	if err != nil {
		return err
	}
	return controller.Load(ctx, session)
}

func newAlerter(ctx context.Context, cfg *config.Config) trip.Alerter {
	if !cfg.NotificationsEnabled() {
		log.Info().Msg("Push notifications disabled")
		return notify.Nop{}
	}

	var (
		n   *notify.FCMNotifier
		err error
	)
	if cfg.FirebaseCredentialsBase64 != "" {
		n, err = notify.NewFCMNotifierFromBase64(ctx, cfg.FirebaseCredentialsBase64, cfg.AlertFCMToken)
	} else {
		n, err = notify.NewFCMNotifier(ctx, cfg.FirebaseCredentialsFile, cfg.AlertFCMToken)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize FCM, push notifications disabled")
		return notify.Nop{}
	}

	log.Info().Msg("Firebase Cloud Messaging initialized")
	return n
}

func newPushSource(cfg *config.Config, nc *nats.Conn, reconciler *reconcile.Reconciler) remote.PushSource {
	switch cfg.PushTransport {
	case config.PushWebSocket:
		// WebSocket sessions end with the trip, so only connects count as a
		// link signal; losses come from the platform
		return remote.NewWSSource(cfg.PushWSURL, cfg.RemoteToken, func(online bool) {
			if online {
				reconciler.OnConnectivityRestored()
			}
		})
	case config.PushNATS:
		return remote.NewNATSSource(nc, cfg.NATSPushSubject)
	}
	return nil
}
