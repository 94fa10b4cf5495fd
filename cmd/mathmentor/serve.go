package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	httpserver "github.com/fyrsmithlabs/mathmentor/internal/http"
	mcpserver "github.com/fyrsmithlabs/mathmentor/internal/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API with the background embedding repair pass.

With --watch the knowledge directory is re-ingested as files change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "re-ingest the knowledge directory on change")
	return cmd
}

func runServe(ctx context.Context, watch bool) error {
	a, err := newApp(ctx, wiring{pipeline: true, events: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Warn("closing components", zap.Error(err))
		}
	}()

	deps := httpserver.Deps{
		Solver:  a.pipeline,
		Store:   a.store,
		Learner: a.reinforcer,
	}
	if a.bus != nil {
		deps.Events = a.bus
	}
	srv, err := httpserver.NewServer(deps, a.logger, &httpserver.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		StatsDays:   a.cfg.Learning.StatsDays,
		RepairBatch: a.cfg.Repair.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if a.cfg.Repair.Enabled {
		sched, err := feedback.NewRepairScheduler(a.store, a.logger,
			feedback.WithInterval(a.cfg.Repair.Interval.Duration()),
			feedback.WithBatchSize(a.cfg.Repair.BatchSize),
		)
		if err != nil {
			return fmt.Errorf("creating repair scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("starting repair scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if watch {
		ingester := a.ingester()
		g.Go(func() error {
			if err := ingester.Watch(gctx, a.cfg.Retrieval.KnowledgeDir); err != nil && gctx.Err() == nil {
				return fmt.Errorf("watching knowledge base: %w", err)
			}
			return nil
		})
	}

	a.logger.Info("mathmentor serving",
		zap.String("host", a.cfg.Server.Host),
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("events", a.bus != nil),
		zap.Bool("repair", a.cfg.Repair.Enabled),
		zap.Bool("watch", watch),
	)
	return g.Wait()
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, wiring{pipeline: true, events: true, stderrLogs: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			srv, err := mcpserver.NewServer(&mcpserver.Config{
				Name:    a.cfg.MCP.Name,
				Version: a.cfg.MCP.Version,
				Logger:  a.logger,
			}, a.pipeline, a.store, a.reinforcer)
			if err != nil {
				return fmt.Errorf("creating mcp server: %w", err)
			}
			return srv.Run(ctx)
		},
	}
}
