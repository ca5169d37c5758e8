package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/liveroom/internal/adapters/http"
	"github.com/dkeye/liveroom/internal/adapters/livekit"
	"github.com/dkeye/liveroom/internal/adapters/natstap"
	"github.com/dkeye/liveroom/internal/adapters/redislease"
	sig "github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/app/bus"
	"github.com/dkeye/liveroom/internal/app/orch"
	"github.com/dkeye/liveroom/internal/app/presence"
	"github.com/dkeye/liveroom/internal/app/reconnect"
	"github.com/dkeye/liveroom/internal/app/recording"
	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
)

const shutdownTimeout = 5 * time.Second

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	g, ctx := errgroup.WithContext(ctx)
	instance := uuid.NewString()

	opts := session.Options{Retention: cfg.Session.Retention, Mailbox: cfg.Session.Mailbox}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		opts.Owner = redislease.New(rdb, instance, cfg.Redis.Prefix, cfg.Redis.LeaseTTL)
		log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Str("instance", instance).Msg("meeting leases in redis")
	}

	events := bus.New(cfg.Session.QueueSize, backpressurePolicy(cfg.Session.Backpressure))
	store := session.NewStore(ctx, opts, events)
	defer store.Close()

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("liveroom-"+instance),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()
		tap := natstap.New(nc, cfg.NATS.Subject, cfg.NATS.Buffer)
		store.AddSink(tap)
		g.Go(func() error { return tap.Run(ctx) })
		log.Info().Str("module", "main").Str("url", nc.ConnectedUrl()).Str("subject", cfg.NATS.Subject).Msg("event tap on nats")
	}

	tracker := presence.NewTracker(store, cfg.Session.PresenceGrace)

	machine, backend, webhook := setupRecording(cfg, store)
	return serve(ctx, g, cfg, store, events, tracker, machine, backend, webhook)
}

// setupRecording picks LiveKit egress when configured and local confirmation
// otherwise. The webhook is nil without LiveKit.
func setupRecording(cfg *config.Config, store core.Store) (*recording.Machine, core.RecordingBackend, http.Handler) {
	if cfg.Recording.LiveKitURL != "" {
		rec := livekit.NewRecorder(cfg.Recording.LiveKitURL, cfg.Recording.LiveKitKey, cfg.Recording.LiveKitSecret, cfg.Recording.OutputPrefix)
		machine := recording.NewMachine(store, rec, cfg.Recording.Timeout)
		rec.Confirmer = machine
		log.Info().Str("module", "main").Str("url", cfg.Recording.LiveKitURL).Msg("recording through livekit egress")
		return machine, rec, livekit.NewWebhook(cfg.Recording.LiveKitKey, cfg.Recording.LiveKitSecret, machine)
	}
	instant := &recording.InstantBackend{}
	machine := recording.NewMachine(store, instant, cfg.Recording.Timeout)
	instant.Confirmer = machine
	log.Warn().Str("module", "main").Msg("no media backend configured, recordings are confirmed locally")
	return machine, instant, nil
}

func serve(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	store *session.Store,
	events *bus.Bus,
	tracker *presence.Tracker,
	machine *recording.Machine,
	backend core.RecordingBackend,
	webhook http.Handler,
) error {
	o := &orch.Orchestrator{
		Store:     store,
		Presence:  tracker,
		Bus:       events,
		Recording: machine,
		Backend:   backend,
		Reconnect: &reconnect.Handler{
			Store:         store,
			Presence:      tracker,
			Bus:           events,
			ReplayTimeout: cfg.Session.ReplayTimeout,
		},
		EndGrace: cfg.Session.EndGrace,
	}
	o.Bind()

	janitor, err := session.NewJanitor(store, cfg.Session.JanitorSchedule)
	if err != nil {
		return fmt.Errorf("janitor schedule: %w", err)
	}
	janitor.Start()
	defer janitor.Stop()

	ctl := sig.NewSignalWSController(o, sig.Options{
		ReadLimit:    cfg.ReadLimit,
		WriteWait:    cfg.WriteWait,
		PingPeriod:   cfg.PingPeriod,
		SendBuffer:   cfg.Signal.SendBuffer,
		ChatLimit:    cfg.Signal.ChatLimit,
		ChatInterval: cfg.Signal.ChatInterval,
	})
	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Signal:   ctl,
		Verifier: router.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Webhook:  webhook,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", addr).Str("version", version).Msg("liveroom started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("module", "main").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("module", "main").Msg("server exited gracefully")
	return nil
}

func backpressurePolicy(name string) bus.Policy {
	if name == "lenient" {
		return bus.LenientPolicy{}
	}
	return bus.SimplePolicy{}
}
