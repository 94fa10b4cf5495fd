package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"go.uber.org/zap"
)

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Scanned  int           `json:"scanned"`
	Repaired int           `json:"repaired"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Repair indexes up to limit rows whose embedding is still pending.
//
// A row that fails again stays pending for the next pass. Running Repair
// twice, or concurrently with a late Persist, never produces duplicate
// vectors: the vector id is derived from the row id.
func (s *Store) Repair(ctx context.Context, limit int) (RepairReport, error) {
	ctx, span := tracer.Start(ctx, "Store.Repair")
	defer span.End()

	start := time.Now()
	var report RepairReport

	pending, err := s.PendingEmbeddings(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("listing pending embeddings: %w", err)
	}
	report.Scanned = len(pending)

	for i := range pending {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		row := pending[i]
		if s.repairOne(ctx, &row) {
			report.Repaired++
		} else {
			report.Failed++
		}
	}

	report.Duration = time.Since(start)
	if report.Scanned > 0 {
		s.logger.Info("embedding repair finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("repaired", report.Repaired),
			zap.Int("failed", report.Failed),
			zap.Duration("duration", report.Duration),
		)
	}
	return report, nil
}

func (s *Store) repairOne(ctx context.Context, row *problem.Interaction) bool {
	unlock := s.locks.Lock(row.ID)
	defer unlock()

	// Another writer may have indexed the row since it was listed.
	current, err := s.get(ctx, row.ID)
	if err != nil {
		s.logger.Warn("reloading pending interaction", zap.Int64("interaction_id", row.ID), zap.Error(err))
		return false
	}
	if current.Indexed() {
		return true
	}
	if err := s.indexInteraction(ctx, current); err != nil {
		s.logger.Warn("embedding repair failed", zap.Int64("interaction_id", row.ID), zap.Error(err))
		return false
	}
	return true
}
