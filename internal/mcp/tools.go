package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const (
	toolSolve    = "solve_problem"
	toolFeedback = "submit_feedback"
	toolStats    = "feedback_stats"
)

type solveInput struct {
	Problem string `json:"problem" jsonschema:"The math problem in plain text, e.g. 'If 2x + 5 = 13, find x'"`
}

type solveOutput struct {
	Status             string   `json:"status" jsonschema:"success, needs_review or error"`
	Topic              string   `json:"topic" jsonschema:"Detected category"`
	Answer             string   `json:"answer,omitempty" jsonschema:"Final answer"`
	Steps              []string `json:"steps" jsonschema:"Solution steps in order"`
	Verified           bool     `json:"verified" jsonschema:"Whether verification judged the answer correct"`
	Confidence         float64  `json:"confidence" jsonschema:"Verifier confidence in [0, 1]"`
	VerificationPath   string   `json:"verification_path,omitempty" jsonschema:"deterministic, bounded or oracle_judged"`
	Explanation        string   `json:"explanation,omitempty" jsonschema:"Summary of the solution for a student"`
	ReviewReason       string   `json:"review_reason,omitempty" jsonschema:"Why the result needs human review"`
	Error              string   `json:"error,omitempty" jsonschema:"Failure message when status is error"`
	InteractionID      int64    `json:"interaction_id,omitempty" jsonschema:"Id to pass to submit_feedback"`
	PersistenceWarning string   `json:"persistence_warning,omitempty" jsonschema:"Set when the interaction could not be fully stored"`
}

type feedbackInput struct {
	InteractionID     int64  `json:"interaction_id" jsonschema:"Id returned by solve_problem"`
	FeedbackType      string `json:"feedback_type" jsonschema:"correct, partial or incorrect"`
	Comment           string `json:"comment,omitempty" jsonschema:"Free-form comment"`
	CorrectedSolution string `json:"corrected_solution,omitempty" jsonschema:"The right answer when the solution was wrong"`
}

type feedbackOutput struct {
	InteractionID int64  `json:"interaction_id"`
	FeedbackType  string `json:"feedback_type"`
	Status        string `json:"status"`
}

type statsInput struct{}

type topicStats struct {
	Topic                string  `json:"topic"`
	Total                int     `json:"total"`
	Correct              int     `json:"correct"`
	Partial              int     `json:"partial"`
	Incorrect            int     `json:"incorrect"`
	AvgVerificationScore float64 `json:"avg_verification_score"`
}

type statsOutput struct {
	Topics []topicStats `json:"topics" jsonschema:"Feedback totals per topic"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSolve,
		Description: "Solve a math problem step by step. Answers are verified; low-confidence algebra results come back as needs_review.",
	}, s.solveProblem)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolFeedback,
		Description: "Record whether a solved problem was correct, partially correct or incorrect. Feedback shapes future solutions.",
	}, s.submitFeedback)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolStats,
		Description: "Summarize user feedback per topic.",
	}, s.feedbackStats)
}

func (s *Server) solveProblem(ctx context.Context, _ *mcp.CallToolRequest, args solveInput) (_ *mcp.CallToolResult, _ solveOutput, toolErr error) {
	done := s.metrics.Track(ctx, toolSolve)
	defer func() { done(toolErr) }()

	res := s.solver.Solve(ctx, args.Problem)
	s.metrics.RecordSolve(ctx, res)
	out := toSolveOutput(res)

	s.logger.Debug("solve_problem finished",
		zap.String("status", out.Status),
		zap.Int64("interaction_id", out.InteractionID),
	)

	var text string
	switch res.Status {
	case problem.StatusSuccess:
		text = fmt.Sprintf("Answer: %s (confidence %.2f)", out.Answer, out.Confidence)
	case problem.StatusNeedsReview:
		text = "Needs review: " + out.ReviewReason
	default:
		text = "Failed: " + out.Error
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, out, nil
}

func toSolveOutput(res problem.Result) solveOutput {
	out := solveOutput{
		Status:             string(res.Status),
		Topic:              res.Problem.Category.String(),
		Steps:              []string{},
		ReviewReason:       res.HITLReason,
		Error:              res.ErrorMessage,
		InteractionID:      res.InteractionID,
		PersistenceWarning: res.PersistenceWarning,
	}
	if res.Solution != nil {
		out.Answer = res.Solution.FinalAnswer
		for _, st := range res.Solution.Steps {
			line := st.Action
			if st.Result != "" {
				line += " => " + st.Result
			}
			out.Steps = append(out.Steps, strings.TrimSpace(line))
		}
	}
	if v := res.Verification; v != nil {
		out.Verified = v.IsCorrect
		out.Confidence = v.Confidence
		out.VerificationPath = string(v.Path)
	}
	if res.Explanation != nil {
		out.Explanation = res.Explanation.Summary
	}
	return out
}

func (s *Server) submitFeedback(ctx context.Context, _ *mcp.CallToolRequest, args feedbackInput) (_ *mcp.CallToolResult, _ feedbackOutput, toolErr error) {
	done := s.metrics.Track(ctx, toolFeedback)
	defer func() { done(toolErr) }()

	if args.InteractionID <= 0 {
		return nil, feedbackOutput{}, fmt.Errorf("invalid interaction_id %d: %w", args.InteractionID, problem.ErrValidation)
	}
	ft, err := problem.ParseFeedbackType(args.FeedbackType)
	if err != nil {
		return nil, feedbackOutput{}, err
	}
	if ft == problem.FeedbackNone {
		return nil, feedbackOutput{}, problem.ErrInvalidFeedback
	}

	err = s.store.RecordFeedback(ctx, args.InteractionID, feedback.FeedbackInput{
		Type:              ft,
		Comment:           args.Comment,
		CorrectedSolution: args.CorrectedSolution,
	})
	if err != nil {
		return nil, feedbackOutput{}, fmt.Errorf("recording feedback for interaction %d: %w", args.InteractionID, err)
	}

	if s.learner != nil {
		if in, err := s.store.Get(ctx, args.InteractionID); err != nil {
			s.logger.Warn("reloading interaction for learning", zap.Int64("interaction_id", args.InteractionID), zap.Error(err))
		} else {
			s.learner.Observe(in, ft)
		}
	}

	out := feedbackOutput{InteractionID: args.InteractionID, FeedbackType: string(ft), Status: "recorded"}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Recorded %s feedback for interaction %d", ft, args.InteractionID)},
		},
	}, out, nil
}

func (s *Server) feedbackStats(ctx context.Context, _ *mcp.CallToolRequest, _ statsInput) (_ *mcp.CallToolResult, _ statsOutput, toolErr error) {
	done := s.metrics.Track(ctx, toolStats)
	defer func() { done(toolErr) }()

	stats, err := s.store.StatsByCategory(ctx)
	if err != nil {
		return nil, statsOutput{}, fmt.Errorf("loading feedback stats: %w", err)
	}

	out := statsOutput{Topics: make([]topicStats, 0, len(stats))}
	var b strings.Builder
	for _, st := range stats {
		out.Topics = append(out.Topics, topicStats{
			Topic:                st.Category.String(),
			Total:                st.Total,
			Correct:              st.Correct,
			Partial:              st.Partial,
			Incorrect:            st.Incorrect,
			AvgVerificationScore: st.AvgVerificationScore,
		})
		fmt.Fprintf(&b, "%s: %d total, %d correct, %d partial, %d incorrect\n",
			st.Category, st.Total, st.Correct, st.Partial, st.Incorrect)
	}
	if len(stats) == 0 {
		b.WriteString("No feedback recorded yet.")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: strings.TrimSpace(b.String())}},
	}, out, nil
}
