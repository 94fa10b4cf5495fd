package http

import (
	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/learning"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SolveRequest is the request body for POST /api/v1/solve.
type SolveRequest struct {
	Problem string `json:"problem"`
}

// FeedbackRequest is the request body for POST /api/v1/interactions/:id/feedback.
type FeedbackRequest struct {
	FeedbackType      string `json:"feedback_type"`
	Comment           string `json:"comment,omitempty"`
	CorrectedSolution string `json:"corrected_solution,omitempty"`
}

// FeedbackResponse acknowledges recorded feedback.
type FeedbackResponse struct {
	InteractionID int64                `json:"interaction_id"`
	FeedbackType  problem.FeedbackType `json:"feedback_type"`
	Status        string               `json:"status"`
}

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	Topics []feedback.CategoryStats `json:"topics"`
}

// SuggestionsResponse is the response body for GET /api/v1/learning/suggestions.
type SuggestionsResponse struct {
	Suggestions []learning.Suggestion `json:"suggestions"`
}

// RepairRequest is the optional request body for POST /api/v1/repair.
type RepairRequest struct {
	Limit int `json:"limit"`
}
