// SPDX-License-Identifier: MIT

// Package daemon assembles the orchestrator: it builds every component from
// the loaded configuration and runs their loops under one errgroup.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemesh/hive/internal/bus"
	"github.com/hivemesh/hive/internal/config"
	"github.com/hivemesh/hive/internal/domainlimit"
	"github.com/hivemesh/hive/internal/health"
	"github.com/hivemesh/hive/internal/httpapi"
	"github.com/hivemesh/hive/internal/hub"
	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/persona"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/psl"
	"github.com/hivemesh/hive/internal/registry"
	"github.com/hivemesh/hive/internal/scheduler"
	"github.com/hivemesh/hive/internal/sink"
	"github.com/hivemesh/hive/internal/telemetry"
	"github.com/hivemesh/hive/internal/track"
)

// artifactStore splits artifact persistence: structured facts and snippets go
// to SQLite, opaque payloads (screenshots, dumps) to the file sink.
type artifactStore struct {
	db   *sink.SQLiteArtifactSink
	file *sink.FileArtifactSink
}

func (s *artifactStore) StoreFacts(ctx context.Context, items []params.Value) error {
	return s.db.StoreFacts(ctx, items)
}

func (s *artifactStore) StoreSnippets(ctx context.Context, items []params.Value) error {
	return s.db.StoreSnippets(ctx, items)
}

func (s *artifactStore) StoreArtifact(ctx context.Context, artifact proto.Artifact) error {
	return s.file.StoreArtifact(ctx, artifact)
}

// App owns the assembled orchestrator.
type App struct {
	cfg config.Config

	Bus           *bus.MemoryBus
	Registry      *registry.Registry
	Tracker       *track.Tracker
	Limiter       *domainlimit.Limiter
	Suffixes      *psl.Index
	Personas      persona.Store
	Scheduler     *scheduler.Scheduler
	Hub           *hub.Hub
	Interventions *intervention.Manager
	Health        *health.Manager
	HTTP          *httpapi.Server

	db          *sql.DB
	deadLetters *sink.BadgerDeadLetterSink
}

// New builds the full component graph from configuration.
func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}

	a.Bus = bus.NewMemoryBus()
	a.Registry = registry.New()
	a.Tracker = track.New()
	a.Suffixes = psl.LoadOrBuiltin(cfg.SuffixListPath)
	a.Limiter = domainlimit.New(domainlimit.Config{
		GlobalMaxSessions:   cfg.Domain.GlobalMaxSessions,
		ConcurrencyPerDrone: cfg.Domain.ConcurrencyPerDrone,
		QPSPerDrone:         cfg.Domain.QPSPerDrone,
		BurstLimit:          cfg.Domain.BurstLimit,
		Cooldown:            cfg.Domain.Cooldown,
		StateTTL:            cfg.Domain.StateTTL,
	})

	if cfg.Persona.RedisAddr != "" {
		a.Personas = persona.NewRedisStore(cfg.Persona.RedisAddr, cfg.Persona.RedisDB)
	} else {
		a.Personas = persona.NewMemoryStore()
	}

	db, err := sink.OpenDB(filepath.Join(cfg.DataDir, "hive.db"))
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	if err := sink.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate artifact db: %w", err)
	}
	a.db = db

	fileSink, err := sink.NewFileArtifactSink(cfg.DataDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	artifacts := &artifactStore{db: sink.NewSQLiteArtifactSink(db), file: fileSink}
	sessions := sink.NewSQLiteSessionRegistry(db)

	deadLetters, err := sink.NewBadgerDeadLetterSink(filepath.Join(cfg.DataDir, "deadletter"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open dead-letter spool: %w", err)
	}
	a.deadLetters = deadLetters

	notifier := sink.NewOperatorNotifier(a.Bus)

	a.Hub = hub.New(hub.Config{APIKey: cfg.APIKey}, hub.Deps{
		Bus:       a.Bus,
		Registry:  a.Registry,
		Tracker:   a.Tracker,
		Artifacts: artifacts,
		Sessions:  sessions,
	})
	a.Interventions = intervention.NewManager(intervention.Config{
		AttachScreenshot: cfg.Intervention.Screenshot,
		WindowTTL:        cfg.Intervention.WindowTTL,
		StepTTL:          cfg.Intervention.StepTTL,
	}, a.Hub.Controller(), a.Hub.Executor(), notifier)
	a.Hub.AttachInterventions(a.Interventions)

	a.Scheduler = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Registry:      a.Registry,
		Limiter:       a.Limiter,
		Tracker:       a.Tracker,
		Personas:      a.Personas,
		Bus:           a.Bus,
		Suffixes:      a.Suffixes,
		DeadLetters:   deadLetters,
		Notifier:      notifier,
		Interventions: a.Interventions,
	})

	a.Health = health.NewManager(cfg.Version)
	a.Health.RegisterChecker(health.NewBusChecker(a.Bus))
	a.Health.RegisterChecker(health.NewPersonaChecker(a.Personas))
	a.Health.RegisterChecker(health.NewDataDirChecker(cfg.DataDir))

	a.HTTP = httpapi.NewServer(httpapi.Config{
		APIKey:         cfg.APIKey,
		TracingService: tracingService(cfg),
	}, a.Scheduler, a.Registry, a.Interventions, a.Health)

	return a, nil
}

func tracingService(cfg config.Config) string {
	if cfg.Trace.Enabled {
		return "hive"
	}
	return ""
}

// Run starts every loop and blocks until ctx is cancelled or a component
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        a.cfg.Trace.Enabled,
		ServiceName:    "hive",
		ServiceVersion: a.cfg.Version,
		Environment:    "production",
		ExporterType:   a.cfg.Trace.Exporter,
		Endpoint:       a.cfg.Trace.Endpoint,
		SamplingRate:   a.cfg.Trace.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Scheduler.Run(ctx) })
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error {
		a.Registry.RunExpiry(ctx, registry.ExpiryConfig{
			HeartbeatExpect: a.cfg.Scheduler.HeartbeatExpect,
			DisconnectGrace: a.cfg.Scheduler.DisconnectGrace,
			OnDisconnect:    a.Scheduler.HandleDroneDisconnect,
		})
		return nil
	})
	g.Go(func() error {
		a.Limiter.Run(ctx)
		return nil
	})
	if a.cfg.SuffixListPath != "" {
		g.Go(func() error {
			if err := a.Suffixes.Watch(ctx); err != nil {
				logger.Warn().Err(err).Msg("suffix list watcher stopped")
			}
			return nil
		})
	}

	srv := a.HTTP.HTTPServer(a.cfg.Listen)
	g.Go(func() error {
		logger.Info().Str("addr", a.cfg.Listen).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := provider.Shutdown(shutdownCtx); terr != nil {
		logger.Warn().Err(terr).Msg("telemetry shutdown failed")
	}
	a.close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) close() {
	logger := log.WithComponent("daemon")
	if a.deadLetters != nil {
		if err := a.deadLetters.Close(); err != nil {
			logger.Warn().Err(err).Msg("dead-letter spool close failed")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn().Err(err).Msg("artifact db close failed")
		}
	}
	if closer, ok := a.Personas.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn().Err(err).Msg("persona store close failed")
		}
	}
}
