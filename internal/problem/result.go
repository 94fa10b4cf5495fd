package problem

import "time"

// Status is the terminal outcome of a solve request.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusNeedsReview Status = "needs_review"
	StatusError       Status = "error"
)

// TraceStatus is the state of a single pipeline stage.
type TraceStatus string

const (
	TraceRunning     TraceStatus = "running"
	TraceCompleted   TraceStatus = "completed"
	TraceFailed      TraceStatus = "failed"
	TraceNeedsReview TraceStatus = "needs_review"
)

// Trace records one stage execution. Traces are append-only per request.
type Trace struct {
	StageName   string      `json:"stage"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Status      TraceStatus `json:"status"`
	Summary     string      `json:"summary"`
}

// Duration returns the stage wall time, or zero while running.
func (t Trace) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Plan is the advisory output of the planning stage.
type Plan struct {
	CoreConcepts      []string `json:"core_concepts"`
	ProblemType       string   `json:"problem_type"`
	RequiresCaseSplit bool     `json:"requires_case_split"`
	Cases             []string `json:"cases"`
	StrategySteps     []string `json:"strategy_steps"`
	SolverTarget      string   `json:"what_solver_should_compute"`
	CommonTraps       []string `json:"common_traps"`
	Default           bool     `json:"default,omitempty"`
}

// DefaultPlan is used when the planner is unavailable or unparseable.
func DefaultPlan() Plan {
	return Plan{
		ProblemType:   "unknown",
		StrategySteps: []string{"Solve step by step"},
		Default:       true,
	}
}

// Explanation narrates a verified solution.
type Explanation struct {
	Summary         string   `json:"summary"`
	DetailedSteps   []string `json:"detailed_steps"`
	KeyConcepts     []string `json:"key_concepts"`
	CommonMistakes  []string `json:"common_mistakes_to_avoid"`
	RelatedProblems []string `json:"related_problems"`
}

// Result is what the pipeline hands back to every caller.
type Result struct {
	Status             Status        `json:"status"`
	Problem            Record        `json:"problem"`
	Plan               *Plan         `json:"plan,omitempty"`
	Solution           *Solution     `json:"solution,omitempty"`
	Verification       *Verification `json:"verification,omitempty"`
	Explanation        *Explanation  `json:"explanation,omitempty"`
	Traces             []Trace       `json:"traces"`
	HITLReason         string        `json:"hitl_reason,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	InteractionID      int64         `json:"interaction_id,omitempty"`
	PersistenceWarning string        `json:"persistence_warning,omitempty"`
}
