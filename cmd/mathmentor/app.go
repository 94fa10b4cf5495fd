package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/events"
	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/learning"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/orchestrator"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/fyrsmithlabs/mathmentor/internal/retrieval"
	"github.com/fyrsmithlabs/mathmentor/internal/telemetry"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	"github.com/fyrsmithlabs/mathmentor/internal/verification"
	"go.uber.org/zap"
)

// app holds the wired components. Fields are nil when a command did not
// ask for them.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	logger *zap.Logger
	tel    *telemetry.Telemetry

	index    vectorstore.Index
	embedder embeddings.Provider
	store    *feedback.Store
	bus      *events.Bus

	engine     *retrieval.Engine
	reinforcer *learning.Reinforcer
	pipeline   *orchestrator.Orchestrator

	closers []func() error
}

// wiring selects which parts newApp builds.
type wiring struct {
	store    bool
	pipeline bool
	events   bool
	// stderrLogs keeps stdout clean for stdio transports and piped output.
	stderrLogs bool
}

func newApp(ctx context.Context, w wiring) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg}
	if err := a.initObservability(ctx, w.stderrLogs); err != nil {
		return nil, err
	}

	if err := a.initStorage(w); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if w.pipeline {
		if err := a.initPipeline(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) initObservability(ctx context.Context, stderr bool) error {
	tel, err := telemetry.New(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	a.tel = tel

	logCfg, err := logging.ConfigFromSettings(a.cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logCfg.Stderr = stderr
	lg, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	a.log = lg
	a.logger = lg.Underlying()

	if degraded, reason := tel.Degraded(); degraded && a.cfg.Telemetry.Enabled {
		a.logger.Warn("telemetry degraded", zap.String("reason", reason))
	}
	return nil
}

func (a *app) initStorage(w wiring) error {
	if !w.store && !w.pipeline {
		return nil
	}

	embedder, err := embeddings.NewProvider(a.cfg.Embeddings, a.logger)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	a.embedder = embedder
	a.closers = append(a.closers, embedder.Close)

	index, err := vectorstore.NewIndex(a.cfg.VectorStore, a.logger)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	a.index = index
	a.closers = append(a.closers, index.Close)

	opts := feedback.Options{
		Collection:  a.cfg.VectorStore.InteractionCollection,
		BusyTimeout: a.cfg.Store.BusyTimeout.Duration(),
		Policy:      a.policy(),
	}
	if w.events && a.cfg.Events.Enabled {
		bus, err := events.Connect(a.cfg.Events, a.logger)
		if err != nil {
			a.logger.Warn("event bus unavailable, continuing without events", zap.Error(err))
		} else {
			a.bus = bus
			a.closers = append(a.closers, bus.Close)
			opts.Events = bus
		}
	}

	store, err := feedback.Open(a.cfg.Store.Path, index, embedder, opts, a.logger)
	if err != nil {
		return fmt.Errorf("opening feedback store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *app) initPipeline(ctx context.Context) error {
	o, err := oracle.New(a.cfg.Oracle, a.logger)
	if err != nil {
		return fmt.Errorf("creating completion oracle: %w", err)
	}

	engine, err := retrieval.NewEngine(a.index, a.embedder, retrieval.Options{
		Collection:     a.cfg.VectorStore.KnowledgeCollection,
		CategoryK:      a.cfg.Retrieval.CategoryK,
		RelevanceFloor: a.cfg.Retrieval.RelevanceFloor,
		CacheSize:      a.cfg.Retrieval.CacheSize,
		Policy:         a.policy(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("creating retrieval engine: %w", err)
	}
	a.engine = engine

	reinforcer, err := learning.NewReinforcer(a.store, learning.Options{
		PitfallLimit: a.cfg.Learning.PitfallLimit,
		SimilarK:     a.cfg.Learning.SimilarK,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("creating learning reinforcer: %w", err)
	}
	if err := reinforcer.Load(ctx); err != nil {
		a.logger.Warn("loading strategy weights, starting empty", zap.Error(err))
	}
	a.reinforcer = reinforcer

	deps := orchestrator.Deps{
		Oracle:    o,
		Retriever: engine,
		Verifier:  verification.NewDispatcher(o, a.logger),
		Hints:     reinforcer,
		Recorder:  a.store,
	}
	if a.bus != nil {
		deps.Events = a.bus
	}
	pipeline, err := orchestrator.New(deps, orchestrator.Options{
		ConfidenceThreshold: a.cfg.Pipeline.ConfidenceThreshold,
		TopK:                a.cfg.Retrieval.TopK,
		StageTimeout:        a.cfg.Pipeline.StageTimeout.Duration(),
		Metrics:             orchestrator.NewMetrics(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	a.pipeline = pipeline
	return nil
}

func (a *app) policy() resilience.Policy {
	return resilience.Policy{
		Timeout:        a.cfg.Pipeline.CallTimeout.Duration(),
		MaxTries:       uint(a.cfg.Pipeline.MaxRetries),
		InitialBackoff: a.cfg.Pipeline.RetryBackoff.Duration(),
		Logger:         a.logger,
	}
}

func (a *app) ingester() *retrieval.Ingester {
	return retrieval.NewIngester(a.index, a.embedder, retrieval.IngesterOptions{
		Collection: a.cfg.VectorStore.KnowledgeCollection,
		Policy:     a.policy(),
	}, a.logger)
}

// Close releases components in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
