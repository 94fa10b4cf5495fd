package verification

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

const judgedFloor = 0.70

const judgePrompt = `Verify the following solution.

PROBLEM:
%s

SOLUTION STEPS:
%s
FINAL ANSWER:
%s
%s
CHECKS REQUIRED:
- Logical consistency
- Domain validity
- Extraneous results (if any)

Respond ONLY with JSON:
{"is_correct": true, "confidence": 0.8, "issues": [], "suggestions": []}`

// judgeReply accepts both "issues" and "issues_found".
type judgeReply struct {
	IsCorrect   *bool    `json:"is_correct"`
	Confidence  *float64 `json:"confidence"`
	Issues      []string `json:"issues"`
	IssuesFound []string `json:"issues_found"`
	Suggestions []string `json:"suggestions"`
}

func buildJudgePrompt(rec problem.Record, sol problem.Solution, vctx problem.VerificationContext) string {
	var steps strings.Builder
	for _, s := range sol.Steps {
		fmt.Fprintf(&steps, "%d. %s", s.Index, s.Action)
		if s.Result != "" {
			fmt.Fprintf(&steps, " => %s", s.Result)
		}
		steps.WriteString("\n")
	}

	var ref strings.Builder
	writeChunks(&ref, "COMMON MISTAKES TO CHECK", vctx.Mistakes)
	writeChunks(&ref, "RELEVANT FORMULAS", vctx.Formulas)

	return fmt.Sprintf(judgePrompt, rec.Text, steps.String(), sol.FinalAnswer, ref.String())
}

func writeChunks(b *strings.Builder, title string, chunks []problem.Chunk) {
	if len(chunks) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, c := range chunks {
		fmt.Fprintf(b, "- %s\n", c.Text)
	}
}

// parseJudgement turns a verifier response into a Verification. Confidence
// never drops below the floor; unparseable output becomes a passing verdict
// flagged for manual review.
func parseJudgement(raw string) problem.Verification {
	reply, err := oracle.Decode[judgeReply](raw)
	if err != nil {
		return problem.Verification{
			IsCorrect:   true,
			Confidence:  judgedFloor,
			Issues:      []string{fmt.Sprintf("Verifier fallback: %v", err)},
			Suggestions: []string{"Manual review if needed"},
			Path:        problem.PathOracleJudged,
		}
	}

	v := problem.Verification{
		IsCorrect:   true,
		Confidence:  judgedFloor,
		Issues:      nonNil(append(reply.Issues, reply.IssuesFound...)),
		Suggestions: nonNil(reply.Suggestions),
		Path:        problem.PathOracleJudged,
	}
	if reply.IsCorrect != nil {
		v.IsCorrect = *reply.IsCorrect
	}
	if reply.Confidence != nil {
		v.Confidence = problem.Clamp01(max(*reply.Confidence, judgedFloor))
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
