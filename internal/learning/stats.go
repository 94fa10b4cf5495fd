package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

const dateLayout = "2006-01-02"

// DayStats is the feedback tally for one UTC day.
type DayStats struct {
	Date      string   `json:"date"`
	Correct   int      `json:"correct"`
	Incorrect int      `json:"incorrect"`
	Accuracy  *float64 `json:"accuracy"`
}

// WeightEntry is one row of the weight table.
type WeightEntry struct {
	Category    problem.Category `json:"topic"`
	ProblemType ProblemType      `json:"problem_type"`
	Weight      float64          `json:"weight"`
}

// Stats reports learning progress.
type Stats struct {
	Days     []DayStats               `json:"improvement_over_time"`
	Topics   []feedback.CategoryStats `json:"feedback_distribution"`
	Weights  []WeightEntry            `json:"strategy_weights"`
	LoadedAt time.Time                `json:"loaded_at"`
}

// Stats returns per-day accuracy for the last days days (today first), the
// per-topic feedback distribution and the current weight table.
func (r *Reinforcer) Stats(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	today := r.now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))

	rows, err := r.source.Since(ctx, start)
	if err != nil {
		return Stats{}, fmt.Errorf("loading recent interactions: %w", err)
	}
	topics, err := r.source.StatsByCategory(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("loading category stats: %w", err)
	}

	byDate := make(map[string]*DayStats, days)
	out := Stats{Topics: topics, Days: make([]DayStats, days)}
	for i := 0; i < days; i++ {
		out.Days[i].Date = today.AddDate(0, 0, -i).Format(dateLayout)
		byDate[out.Days[i].Date] = &out.Days[i]
	}
	for _, row := range rows {
		d, ok := byDate[row.Timestamp.UTC().Format(dateLayout)]
		if !ok {
			continue
		}
		switch row.Feedback {
		case problem.FeedbackCorrect:
			d.Correct++
		case problem.FeedbackIncorrect:
			d.Incorrect++
		}
	}
	for i := range out.Days {
		d := &out.Days[i]
		if total := d.Correct + d.Incorrect; total > 0 {
			acc := float64(d.Correct) / float64(total)
			d.Accuracy = &acc
		}
	}

	snap := r.snap.Load()
	out.LoadedAt = snap.loadedAt
	out.Weights = make([]WeightEntry, 0, len(snap.weights))
	for k, w := range snap.weights {
		out.Weights = append(out.Weights, WeightEntry{Category: k.category, ProblemType: k.typ, Weight: w})
	}
	sort.Slice(out.Weights, func(i, j int) bool {
		if out.Weights[i].Category != out.Weights[j].Category {
			return out.Weights[i].Category < out.Weights[j].Category
		}
		return out.Weights[i].ProblemType < out.Weights[j].ProblemType
	})
	return out, nil
}

// Suggestion kinds.
const (
	SuggestionKnowledgeGap     = "knowledge_gap"
	SuggestionRecurringMistake = "recurring_mistake"
)

// Suggestion proposes a knowledge base change.
type Suggestion struct {
	Type     string           `json:"type"`
	Topic    problem.Category `json:"topic,omitempty"`
	Message  string           `json:"message"`
	Priority string           `json:"priority"`
}

// SuggestKnowledgeBaseUpdates flags topics with a high error rate and
// comments users keep repeating.
func (r *Reinforcer) SuggestKnowledgeBaseUpdates(ctx context.Context) ([]Suggestion, error) {
	topics, err := r.source.StatsByCategory(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading category stats: %w", err)
	}

	out := []Suggestion{}
	for _, t := range topics {
		if t.Incorrect > 2 && t.Incorrect > t.Correct {
			out = append(out, Suggestion{
				Type:  SuggestionKnowledgeGap,
				Topic: t.Category,
				Message: fmt.Sprintf("High error rate in %s (%d incorrect vs %d correct). Consider adding more formulas or worked examples.",
					t.Category, t.Incorrect, t.Correct),
				Priority: "high",
			})
		}
	}

	recurring, err := r.source.RecurringComments(ctx, 2, 5)
	if err != nil {
		return nil, fmt.Errorf("loading recurring comments: %w", err)
	}
	for _, c := range recurring {
		out = append(out, Suggestion{
			Type:     SuggestionRecurringMistake,
			Message:  fmt.Sprintf("Recurring feedback (%dx): %s", c.Count, c.Comment),
			Priority: "medium",
		})
	}
	return out, nil
}
