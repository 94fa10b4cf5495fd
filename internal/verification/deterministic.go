package verification

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

const (
	substitutionTolerance = 1e-6
	deterministicPass     = 0.98
	deterministicFail     = 0.40
)

// answerPattern finds the first number or a/b fraction in a final answer,
// optionally introduced by "<variable> =".
var answerPattern = regexp.MustCompile(`(?:\b([A-Za-z])\s*=\s*)?([-+−]?\d*\.?\d+(?:\s*/\s*[-+−]?\d*\.?\d+)?)`)

// numericAnswer extracts the solved-for variable (may be empty) and value.
func numericAnswer(answer string) (string, float64, bool) {
	m := answerPattern.FindStringSubmatch(answer)
	if m == nil {
		return "", 0, false
	}
	v, err := Evaluate(m[2], "", 0)
	if err != nil {
		return "", 0, false
	}
	return m[1], v, true
}

func isEquationRune(r rune) bool {
	if unicode.IsDigit(r) || unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune(".+-−*/×÷·^()[]=", r)
}

// locateEquation returns the longest run of equation text around an "=" in
// s. Single letters count as part of the run; words end it.
func locateEquation(s string) string {
	runes := []rune(s)
	inRun := func(i int) bool {
		r := runes[i]
		if isEquationRune(r) {
			return true
		}
		if !unicode.IsLetter(r) {
			return false
		}
		before := i > 0 && unicode.IsLetter(runes[i-1])
		after := i+1 < len(runes) && unicode.IsLetter(runes[i+1])
		return !before && !after
	}

	best := ""
	for i, r := range runes {
		if r != '=' {
			continue
		}
		lo, hi := i, i
		for lo > 0 && inRun(lo-1) {
			lo--
		}
		for hi+1 < len(runes) && inRun(hi+1) {
			hi++
		}
		run := strings.TrimRight(strings.TrimSpace(trimUnbalanced(string(runes[lo:hi+1]))), ". ")
		if len(run) > len(best) {
			best = run
		}
	}
	return best
}

// trimUnbalanced drops a bracket left open at the end of a run, as in
// "2x+5=13 (x>0)" where the run stops at "(x", and anything up to a
// closing bracket that was never opened.
func trimUnbalanced(run string) string {
	var open []int
	start := 0
	for i, r := range run {
		switch r {
		case '(', '[':
			open = append(open, i)
		case ')', ']':
			if len(open) == 0 {
				start = i + 1
				continue
			}
			open = open[:len(open)-1]
		}
	}
	end := len(run)
	if len(open) > 0 {
		end = open[0]
	}
	return run[start:end]
}

// equationLetters lists the distinct letters in an equation.
func equationLetters(eq string) []string {
	seen := make(map[rune]bool)
	var out []string
	for _, r := range eq {
		if unicode.IsLetter(r) && !seen[r] {
			seen[r] = true
			out = append(out, string(r))
		}
	}
	return out
}

// checkSubstitution substitutes the numeric answer into the equation found
// in the problem text. ok is false when the check does not apply.
func checkSubstitution(text, answer string) (problem.Verification, bool) {
	eq := locateEquation(text)
	if eq == "" || strings.Count(eq, "=") != 1 {
		return problem.Verification{}, false
	}

	variable, value, ok := numericAnswer(answer)
	if !ok {
		return problem.Verification{}, false
	}

	letters := equationLetters(eq)
	switch {
	case len(letters) != 1:
		return problem.Verification{}, false
	case variable == "":
		variable = letters[0]
	case variable != letters[0]:
		return problem.Verification{}, false
	}

	// An equation the evaluator cannot read says nothing about the answer.
	sides := strings.SplitN(eq, "=", 2)
	lhs, errL := Evaluate(sides[0], variable, value)
	rhs, errR := Evaluate(sides[1], variable, value)
	if firstErr(errL, errR) != nil {
		return problem.Verification{}, false
	}

	if math.Abs(lhs-rhs) < substitutionTolerance {
		return problem.Verification{
			IsCorrect:   true,
			Confidence:  deterministicPass,
			Issues:      []string{},
			Suggestions: []string{},
			Path:        problem.PathDeterministic,
		}, true
	}
	return problem.Verification{
		IsCorrect:   false,
		Confidence:  deterministicFail,
		Issues:      []string{fmt.Sprintf("Substitution failed: LHS=%s, RHS=%s", formatNumber(lhs), formatNumber(rhs))},
		Suggestions: []string{"Re-check algebraic steps"},
		Path:        problem.PathDeterministic,
	}, true
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
