package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/spectree/internal/api"
	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/internal/config"
	"github.com/ShayCichocki/spectree/internal/metrics"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
)

// app holds everything one command needs to talk to a project's tree.
type app struct {
	cfg      *config.Config
	db       *state.DB
	bus      *bus.Bus
	redis    *bus.RedisBackend
	orch     *orchestrator.Orchestrator
	logger   *orchestrator.DebugLogger
	journal  *orchestrator.EventJournal
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	// dispatch wires the Anthropic dispatcher so the app can Run.
	dispatch bool
	// keepAlive keeps the run loop waiting for human decisions.
	keepAlive bool
	// onStream receives agent session events.
	onStream func(specID string, role models.Role, ev api.StreamEvent)
}

// openApp opens the store and the bus and builds an orchestrator over them.
// Read-only commands skip the dispatcher.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := state.OpenWithDriver(cfg.Store.Driver, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	a.db = db
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate state: %w", err)
	}

	backend, err := a.openBusBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.bus = bus.New(backend, db)

	a.registry, a.metrics = metrics.NewRegistry()
	a.bus.Observe(a.metrics)

	orchOpts := []orchestrator.Option{
		orchestrator.WithCaps(cfg.OrchestratorCaps()),
		orchestrator.WithRecorder(a.metrics),
	}
	pol := cfg.Policy()
	pol.Loop.KeepAlive = opts.keepAlive
	orchOpts = append(orchOpts, orchestrator.WithPolicy(pol))

	req := orchestrator.RequiredConfig{Store: db, Bus: a.bus}
	if opts.dispatch {
		a.logger, a.journal, err = orchestrator.OpenLogs(cfg.LogDir())
		if err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, orchestrator.WithLogger(a.logger), orchestrator.WithJournal(a.journal))

		d, err := newDispatcher(cfg, a.logger, opts.onStream)
		if err != nil {
			return nil, err
		}
		req.Dispatcher = d
	}

	a.orch, err = orchestrator.New(req, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	ok = true
	return a, nil
}

func (a *app) openBusBackend(ctx context.Context) (bus.Backend, error) {
	switch a.cfg.Bus.Backend {
	case "redis":
		r := a.cfg.Bus.Redis
		a.redis = bus.NewRedisBackend(r.Addr, r.Password, r.DB, bus.WithPrefix(r.Prefix))
		if err := a.redis.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", r.Addr, err)
		}
		return a.redis, nil
	default:
		b, err := bus.NewSQLiteBackend(a.db)
		if err != nil {
			return nil, fmt.Errorf("open message bus: %w", err)
		}
		return b, nil
	}
}

func newDispatcher(cfg *config.Config, logger *orchestrator.DebugLogger, onStream func(string, models.Role, api.StreamEvent)) (*api.Dispatcher, error) {
	key, source, err := config.APIKey(cfg)
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        key,
		BaseURL:       cfg.Anthropic.BaseURL,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		UseAWSBedrock: source == config.KeySourceBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return api.NewDispatcher(api.DispatcherConfig{
		Client:   client,
		WorkDir:  workDir,
		MaxTurns: cfg.Anthropic.MaxTurns,
		DebugLog: logger.Log,
		OnStream: onStream,
	}), nil
}

// Close releases the orchestrator, the journal, the bus and the store.
func (a *app) Close() {
	if a.orch != nil {
		if err := a.orch.Close(); err != nil {
			log.Printf("WARNING: close orchestrator: %v", err)
		}
	} else if a.logger != nil {
		a.logger.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// drainEvents discards events so the emitter never drops on a full channel
// in commands that do not display them.
func (a *app) drainEvents() {
	go func() {
		for range a.orch.Events() {
		}
	}()
}
