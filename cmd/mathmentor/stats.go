package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mathmentor/internal/learning"
	"github.com/spf13/cobra"
)

type statsReport struct {
	learning.Stats
	Suggestions []learning.Suggestion `json:"suggestions"`
}

func newStatsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show feedback statistics, learned weights and knowledge base suggestions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, wiring{store: true, stderrLogs: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			r, err := learning.NewReinforcer(a.store, learning.Options{
				PitfallLimit: a.cfg.Learning.PitfallLimit,
				SimilarK:     a.cfg.Learning.SimilarK,
			}, a.logger)
			if err != nil {
				return err
			}
			if err := r.Load(ctx); err != nil {
				return fmt.Errorf("loading strategy weights: %w", err)
			}

			if days <= 0 {
				days = a.cfg.Learning.StatsDays
			}
			stats, err := r.Stats(ctx, days)
			if err != nil {
				return err
			}
			sugs, err := r.SuggestKnowledgeBaseUpdates(ctx)
			if err != nil {
				return err
			}
			if sugs == nil {
				sugs = []learning.Suggestion{}
			}
			return writeJSON(cmd.OutOrStdout(), statsReport{Stats: stats, Suggestions: sugs})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "accuracy window in days (default learning.stats_days)")
	return cmd
}
