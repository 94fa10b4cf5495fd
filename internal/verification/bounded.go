package verification

import (
	"regexp"
	"strconv"

	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

const (
	boundedPass      = 0.85
	boundedUnchecked = 0.75
)

// probabilityPattern matches a decimal or an a/b fraction.
var probabilityPattern = regexp.MustCompile(`([-+]?\d*\.?\d+)(?:\s*/\s*(\d*\.?\d+))?`)

// probabilityValue parses the first numeric token of an answer.
func probabilityValue(answer string) (float64, bool) {
	m := probabilityPattern.FindStringSubmatch(answer)
	if m == nil {
		return 0, false
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "" {
		return num, true
	}
	den, err := strconv.ParseFloat(m[2], 64)
	if err != nil || den == 0 {
		return 0, false
	}
	return num / den, true
}

// checkBounds accepts any probability answer; a value inside [0, 1] earns
// higher confidence.
func checkBounds(answer string) problem.Verification {
	if p, ok := probabilityValue(answer); ok && p >= 0 && p <= 1 {
		return problem.Verification{
			IsCorrect:   true,
			Confidence:  boundedPass,
			Issues:      []string{},
			Suggestions: []string{},
			Path:        problem.PathBoundedValue,
		}
	}
	return problem.Verification{
		IsCorrect:   true,
		Confidence:  boundedUnchecked,
		Issues:      []string{"Probability answer could not be bounds-checked; conceptual verification only"},
		Suggestions: []string{},
		Path:        problem.PathBoundedValue,
	}
}
