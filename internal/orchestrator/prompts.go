package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/fyrsmithlabs/mathmentor/internal/learning"
	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

const (
	// BackpressureAnswer is returned instead of guessing when no reference
	// material cleared the relevance floor.
	BackpressureAnswer = "Insufficient reference material to solve reliably."

	MethodBackpressure = "backpressure"
	MethodStructured   = "structured_reasoning"

	unknownAnswer   = "Unable to determine"
	solveConfidence = 0.9
)

func planPrompt(rec problem.Record) string {
	return fmt.Sprintf(`Analyze the structure of this math problem before it is solved.
Do NOT solve it.

PROBLEM:
%s

TOPIC: %s

Respond with ONLY JSON:
{
  "core_concepts": ["..."],
  "problem_type": "...",
  "requires_case_split": false,
  "cases": [],
  "strategy_steps": ["..."],
  "what_solver_should_compute": "...",
  "common_traps": ["..."]
}`, rec.Text, rec.Category)
}

// planFromReply decodes a plan, falling back to the default plan.
func planFromReply(reply string) problem.Plan {
	plan, err := oracle.Decode[problem.Plan](reply)
	if err != nil {
		return problem.DefaultPlan()
	}
	if strings.TrimSpace(plan.ProblemType) == "" {
		plan.ProblemType = "unknown"
	}
	plan.CoreConcepts = nonNil(plan.CoreConcepts)
	plan.Cases = nonNil(plan.Cases)
	plan.StrategySteps = nonNil(plan.StrategySteps)
	plan.CommonTraps = nonNil(plan.CommonTraps)
	plan.Default = false
	return plan
}

func solvePrompt(rec problem.Record, plan problem.Plan, chunks []problem.Chunk, hints *learning.Hints) string {
	var b strings.Builder
	b.WriteString("Solve the following mathematics problem.\n\n")
	fmt.Fprintf(&b, "PROBLEM:\n%s\n\nTOPIC: %s\n", rec.Text, rec.Category)
	if len(rec.Variables) > 0 {
		fmt.Fprintf(&b, "VARIABLES: %s\n", strings.Join(rec.Variables, ", "))
	}

	if !plan.Default {
		b.WriteString("\nPLAN:\n")
		if plan.SolverTarget != "" {
			fmt.Fprintf(&b, "Compute: %s\n", plan.SolverTarget)
		}
		for i, s := range plan.StrategySteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
		if plan.RequiresCaseSplit && len(plan.Cases) > 0 {
			fmt.Fprintf(&b, "Cases to consider: %s\n", strings.Join(plan.Cases, "; "))
		}
		if len(plan.CommonTraps) > 0 {
			fmt.Fprintf(&b, "Traps: %s\n", strings.Join(plan.CommonTraps, "; "))
		}
	}

	b.WriteString("\nREFERENCE MATERIAL:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "[%s] %s\n", c.SourceID, c.Text)
	}

	if hints != nil {
		if len(hints.RecommendedSteps) > 0 {
			fmt.Fprintf(&b, "\nRECOMMENDED APPROACH (%s):\n", hints.Strategy)
			for _, s := range hints.RecommendedSteps {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
		if len(hints.LearnedSteps) > 0 {
			b.WriteString("\nSTEPS THAT WORKED ON SIMILAR PROBLEMS:\n")
			for _, s := range hints.LearnedSteps {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
		if len(hints.ExpectedStructure) > 0 {
			fmt.Fprintf(&b, "Expected structure: %s\n", strings.Join(hints.ExpectedStructure, " -> "))
		}
		if len(hints.Corrections) > 0 {
			b.WriteString("\nPAST CORRECTIONS:\n")
			for _, c := range hints.Corrections {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		if len(hints.Pitfalls) > 0 {
			b.WriteString("\nPAST MISTAKES TO AVOID:\n")
			for _, p := range hints.Pitfalls {
				fmt.Fprintf(&b, "- %s\n", p)
			}
		}
		if len(hints.SimilarSolved) > 0 {
			b.WriteString("\nSIMILAR SOLVED PROBLEMS:\n")
			for _, s := range hints.SimilarSolved {
				answer := ""
				if s.Interaction.Solution != nil {
					answer = s.Interaction.Solution.FinalAnswer
				}
				fmt.Fprintf(&b, "- %s => %s\n", s.Interaction.Problem.Text, answer)
			}
		}
	}

	b.WriteString(`
RULES:
- Each step MUST include PRINCIPLE, ACTION and RESULT
- Do NOT skip steps
- Do NOT output markdown

FORMAT STRICTLY:

STEP 1:
PRINCIPLE: <principle used>
ACTION: <what is done>
RESULT: <result>

STEP 2:
...

FINAL ANSWER: <answer only>`)
	return b.String()
}

var (
	stepPattern   = regexp2.MustCompile(`STEP\s*(\d+):([\s\S]*?)(?=STEP\s*\d+:|FINAL\s+ANSWER:|\Z)`, regexp2.IgnoreCase)
	answerPattern = regexp2.MustCompile(`FINAL\s+ANSWER:\s*([\s\S]+)`, regexp2.IgnoreCase)
)

// parseSolution extracts steps and the final answer from a solver reply.
func parseSolution(reply string) (steps []problem.Step, answer string) {
	m, _ := stepPattern.FindStringMatch(reply)
	for m != nil {
		idx, err := strconv.Atoi(m.GroupByNumber(1).String())
		if err != nil {
			idx = len(steps) + 1
		}
		steps = append(steps, parseStep(idx, m.GroupByNumber(2).String()))
		m, _ = stepPattern.FindNextMatch(m)
	}
	if len(steps) == 0 {
		steps = []problem.Step{{Index: 1, Action: strings.TrimSpace(reply)}}
	}

	answer = unknownAnswer
	if m, _ := answerPattern.FindStringMatch(reply); m != nil {
		if a := strings.TrimSpace(m.GroupByNumber(1).String()); a != "" {
			answer = a
		}
	}
	return steps, answer
}

func parseStep(idx int, block string) problem.Step {
	step := problem.Step{Index: idx}
	var loose []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimSpace(value)
			switch strings.ToUpper(strings.TrimSpace(label)) {
			case "PRINCIPLE":
				step.Principle = value
				continue
			case "ACTION":
				step.Action = value
				continue
			case "RESULT":
				step.Result = value
				continue
			}
		}
		loose = append(loose, line)
	}
	if step.Action == "" && len(loose) > 0 {
		step.Action = strings.Join(loose, " ")
	}
	return step
}

func explainPrompt(rec problem.Record, sol problem.Solution) string {
	var b strings.Builder
	b.WriteString("Explain the following verified solution to a student.\n")
	b.WriteString("Do NOT change the answer or recompute anything.\n\n")
	fmt.Fprintf(&b, "PROBLEM:\n%s\n\nSTEPS:\n", rec.Text)
	for _, s := range sol.Steps {
		fmt.Fprintf(&b, "%d. %s => %s\n", s.Index, s.Action, s.Result)
	}
	fmt.Fprintf(&b, "\nFINAL ANSWER: %s\n", sol.FinalAnswer)
	b.WriteString(`
Respond with ONLY JSON:
{
  "summary": "...",
  "detailed_steps": ["..."],
  "key_concepts": ["..."],
  "common_mistakes_to_avoid": ["..."],
  "related_problems": ["..."]
}`)
	return b.String()
}

func explanationFromReply(reply string, sol problem.Solution) problem.Explanation {
	exp, err := oracle.Decode[problem.Explanation](reply)
	if err != nil || strings.TrimSpace(exp.Summary) == "" {
		return fallbackExplanation(sol)
	}
	exp.DetailedSteps = nonNil(exp.DetailedSteps)
	exp.KeyConcepts = nonNil(exp.KeyConcepts)
	exp.CommonMistakes = nonNil(exp.CommonMistakes)
	exp.RelatedProblems = nonNil(exp.RelatedProblems)
	return exp
}

func fallbackExplanation(sol problem.Solution) problem.Explanation {
	steps := make([]string, 0, len(sol.Steps))
	for _, s := range sol.Steps {
		line := s.Action
		if s.Result != "" {
			line += " => " + s.Result
		}
		steps = append(steps, line)
	}
	return problem.Explanation{
		Summary:         fmt.Sprintf("The problem was solved step by step to find %s.", sol.FinalAnswer),
		DetailedSteps:   steps,
		KeyConcepts:     []string{},
		CommonMistakes:  []string{},
		RelatedProblems: []string{},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
