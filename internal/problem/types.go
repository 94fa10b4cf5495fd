// Package problem defines the records that flow through the solving pipeline.
package problem

import (
	"errors"
	"math"
	"time"
)

// Common errors shared by pipeline components.
var (
	// ErrValidation marks input rejected locally before any oracle call.
	ErrValidation      = errors.New("validation failure")
	ErrInvalidFeedback = errors.New("feedback must be one of none, correct, partial, incorrect")
)

// Record is the parsed form of a user's problem.
//
// Records are immutable once created; a clarification rewrite produces a new
// Record through WithText.
type Record struct {
	Text               string   `json:"problem_text"`
	Category           Category `json:"topic"`
	Variables          []string `json:"variables"`
	NeedsClarification bool     `json:"needs_clarification"`
	ClarificationNote  string   `json:"clarification_reason,omitempty"`
	Confidence         float64  `json:"confidence"`
}

// NewRecord builds a Record with a clamped confidence and a private copy of
// the variable list.
func NewRecord(text string, category Category, variables []string, confidence float64) Record {
	vars := make([]string, len(variables))
	copy(vars, variables)
	return Record{
		Text:       text,
		Category:   category,
		Variables:  vars,
		Confidence: Clamp01(confidence),
	}
}

// WithText returns a new record carrying rewritten problem text.
func (r Record) WithText(text string) Record {
	out := NewRecord(text, r.Category, r.Variables, r.Confidence)
	out.NeedsClarification = false
	return out
}

// Step is one reasoning step of a solution.
type Step struct {
	Index     int    `json:"step"`
	Principle string `json:"principle"`
	Action    string `json:"action"`
	Result    string `json:"result"`
}

// Solution is the output of a single solve invocation.
type Solution struct {
	FinalAnswer string   `json:"final_answer"`
	Steps       []Step   `json:"steps"`
	MethodTag   string   `json:"method"`
	ContextUsed []string `json:"context_used,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Chunk is a piece of reference material retrieved from the knowledge index.
type Chunk struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	SourceID       string   `json:"source"`
	CategoryTags   []string `json:"topics,omitempty"`
	Type           string   `json:"type,omitempty"`
	RelevanceScore float64  `json:"relevance_score"`
}

// VerificationContext is the reference material handed to the verifier.
type VerificationContext struct {
	Mistakes []Chunk `json:"common_mistakes"`
	Formulas []Chunk `json:"formulas"`
}

// VerificationPath names the strategy that produced a verification.
type VerificationPath string

const (
	PathDeterministic VerificationPath = "deterministic"
	PathBoundedValue  VerificationPath = "bounded_value"
	PathOracleJudged  VerificationPath = "oracle_judged"
)

// Verification is the verdict on a solution. A retry produces a new value.
type Verification struct {
	IsCorrect   bool             `json:"is_correct"`
	Confidence  float64          `json:"confidence"`
	Issues      []string         `json:"issues"`
	Suggestions []string         `json:"suggestions"`
	Path        VerificationPath `json:"path"`
}

// Interaction is the durable record of a solved problem.
//
// Feedback, CorrectedSolution and EmbeddingID are the only fields changed
// after creation; EmbeddingID never changes once set.
type Interaction struct {
	ID                int64         `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	InputType         string        `json:"input_type"`
	RawInput          string        `json:"raw_input"`
	Problem           Record        `json:"problem"`
	Solution          *Solution     `json:"solution,omitempty"`
	Verification      *Verification `json:"verification,omitempty"`
	Feedback          FeedbackType  `json:"feedback"`
	FeedbackComment   string        `json:"feedback_comment,omitempty"`
	CorrectedSolution string        `json:"corrected_solution,omitempty"`
	EmbeddingID       *string       `json:"embedding_id,omitempty"`
}

// Indexed reports whether the interaction has reached the vector index.
func (i *Interaction) Indexed() bool {
	return i.EmbeddingID != nil && *i.EmbeddingID != ""
}

// VerificationScore returns the verifier confidence, or 0 when unverified.
func (i *Interaction) VerificationScore() float64 {
	if i.Verification == nil {
		return 0
	}
	return i.Verification.Confidence
}

// Clamp01 forces a score into [0, 1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
