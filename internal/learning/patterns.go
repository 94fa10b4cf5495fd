package learning

import (
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

// Structure elements recognised in a written solution.
const (
	ElementSetup          = "setup"
	ElementMethod         = "method_application"
	ElementSubstitution   = "substitution"
	ElementSimplification = "simplification"
	ElementConclusion     = "conclusion"
	ElementVerification   = "verification"
)

const (
	learnedStepsLimit = 3
	missingLimit      = 3
	stepTextLimit     = 100
)

// structureRules are listed in the order elements appear in a solution.
var structureRules = []struct {
	element string
	re      *regexp.Regexp
}{
	{ElementSetup, regexp.MustCompile(`(?i)\b(given|let|assume)`)},
	{ElementMethod, regexp.MustCompile(`(?i)\b(using|apply|applying|by)\b`)},
	{ElementSubstitution, regexp.MustCompile(`(?i)substitut|\bplug|\breplac`)},
	{ElementSimplification, regexp.MustCompile(`(?i)simplif|\breduc|\bcancel`)},
	{ElementConclusion, regexp.MustCompile(`(?i)\b(therefore|thus|hence|answer|result)`)},
	{ElementVerification, regexp.MustCompile(`(?i)verif|\bcheck|\bconfirm`)},
}

// SolutionStructure lists the structure elements present in text.
func SolutionStructure(text string) []string {
	out := []string{}
	for _, rule := range structureRules {
		if rule.re.MatchString(text) {
			out = append(out, rule.element)
		}
	}
	return out
}

// solutionText flattens a solution into prose for structure matching.
func solutionText(sol *problem.Solution) string {
	if sol == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range sol.Steps {
		b.WriteString(s.Principle)
		b.WriteByte('\n')
		b.WriteString(s.Action)
		b.WriteByte('\n')
		b.WriteString(s.Result)
		b.WriteByte('\n')
	}
	b.WriteString("Final answer: ")
	b.WriteString(sol.FinalAnswer)
	return b.String()
}

// pattern is what correct and corrected solutions taught about one
// (category, problem type) pair. It is copied before any change once it
// belongs to a published snapshot.
type pattern struct {
	solved    int
	structure map[string]int
	steps     map[string]int
	missing   map[string]int
}

func newPattern() *pattern {
	return &pattern{
		structure: map[string]int{},
		steps:     map[string]int{},
		missing:   map[string]int{},
	}
}

func (p *pattern) clone() *pattern {
	c := &pattern{
		solved:    p.solved,
		structure: make(map[string]int, len(p.structure)),
		steps:     make(map[string]int, len(p.steps)),
		missing:   make(map[string]int, len(p.missing)),
	}
	for k, v := range p.structure {
		c.structure[k] = v
	}
	for k, v := range p.steps {
		c.steps[k] = v
	}
	for k, v := range p.missing {
		c.missing[k] = v
	}
	return c
}

// learn folds one interaction with feedback into the pattern. It reports
// whether anything was learned.
func (p *pattern) learn(in *problem.Interaction, ft problem.FeedbackType) bool {
	switch {
	case ft == problem.FeedbackCorrect && in.Solution != nil:
		p.solved++
		for _, e := range SolutionStructure(solutionText(in.Solution)) {
			p.structure[e]++
		}
		for _, s := range in.Solution.Steps {
			if action := stepSummary(s.Action); action != "" {
				p.steps[action]++
			}
		}
		return true
	case ft == problem.FeedbackIncorrect && strings.TrimSpace(in.CorrectedSolution) != "":
		had := make(map[string]bool)
		for _, e := range SolutionStructure(solutionText(in.Solution)) {
			had[e] = true
		}
		learned := false
		for _, e := range SolutionStructure(in.CorrectedSolution) {
			if !had[e] {
				p.missing[e]++
				learned = true
			}
		}
		return learned
	default:
		return false
	}
}

// expectedStructure returns the elements present in at least half of the
// correct solutions, in solution order.
func (p *pattern) expectedStructure() []string {
	out := []string{}
	if p.solved == 0 {
		return out
	}
	for _, rule := range structureRules {
		if n := p.structure[rule.element]; n > 0 && 2*n >= p.solved {
			out = append(out, rule.element)
		}
	}
	return out
}

func (p *pattern) learnedSteps() []string {
	return mostFrequent(p.steps, learnedStepsLimit)
}

func (p *pattern) missingElements() []string {
	return mostFrequent(p.missing, missingLimit)
}

// mostFrequent returns up to limit keys by descending count, ties by key.
func mostFrequent(counts map[string]int, limit int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func stepSummary(action string) string {
	s := strings.Join(strings.Fields(action), " ")
	if r := []rune(s); len(r) > stepTextLimit {
		s = string(r[:stepTextLimit])
	}
	return s
}

// missingNote renders a structure element as guidance for the solver.
func missingNote(element string) string {
	switch element {
	case ElementSetup:
		return "State what is given before solving"
	case ElementMethod:
		return "Name the rule or method applied at each step"
	case ElementSubstitution:
		return "Show the substitution explicitly"
	case ElementSimplification:
		return "Simplify fully before concluding"
	case ElementConclusion:
		return "State the final result clearly"
	case ElementVerification:
		return "Check the answer against the original problem"
	default:
		return element
	}
}
