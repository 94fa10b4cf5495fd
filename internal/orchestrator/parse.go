package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

// Reasons a request ends in needs_review.
const (
	ReasonEmpty       = "Input is empty. Please enter a valid math problem."
	ReasonNotMath     = "Input does not appear to be a mathematical problem."
	ReasonUnbalanced  = "Unbalanced brackets or parentheses detected."
	ReasonLowVerifier = "low verifier confidence"
	ReasonNoReference = "insufficient reference material"

	clarificationConfidence = 0.3
	fallbackConfidence      = 0.5
	defaultParseConfidence  = 0.8
)

var mathSymbols = []string{"=", "+", "-", "*", "/", "^", "√", "∫", "∑", "π"}

var mathKeywords = []string{
	"probability", "chance", "how many", "number of", "total", "sum", "difference",
	"product", "ratio", "fraction", "percent", "average", "mean", "container", "bag",
	"balls", "cards", "dice", "coin", "pick", "choose", "select", "random", "solve",
	"find", "derivative", "integral", "limit", "matrix", "equation", "evaluate", "simplify",
}

// Constants that are only variables when the text introduces them.
var mathConstants = map[string]bool{"i": true, "e": true, "pi": true}

// validateInput rejects input locally. It returns "" when text may proceed.
func validateInput(text string) string {
	switch {
	case strings.TrimSpace(text) == "":
		return ReasonEmpty
	case !looksLikeMath(text):
		return ReasonNotMath
	case !balancedBrackets(text):
		return ReasonUnbalanced
	default:
		return ""
	}
}

func looksLikeMath(text string) bool {
	for _, s := range mathSymbols {
		if strings.Contains(text, s) {
			return true
		}
	}
	for _, r := range text {
		if unicode.IsDigit(r) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, kw := range mathKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func balancedBrackets(text string) bool {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	for _, r := range text {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func parsePrompt(text string) string {
	return fmt.Sprintf(`Convert the following math problem into structured JSON.

RULES:
- Output ONLY JSON
- Do NOT add explanations
- Use one topic of: algebra, calculus, probability, linear_algebra, unknown
- Set needs_clarification to true, with a clarification_reason, if the problem is ambiguous

INPUT:
%s

JSON FORMAT:
{
  "problem_text": "...",
  "topic": "...",
  "variables": ["x"],
  "needs_clarification": false,
  "clarification_reason": "",
  "confidence": 0.9
}`, text)
}

type parseReply struct {
	ProblemText         string   `json:"problem_text"`
	Topic               string   `json:"topic"`
	Variables           []string `json:"variables"`
	NeedsClarification  bool     `json:"needs_clarification"`
	ClarificationReason string   `json:"clarification_reason"`
	Confidence          *float64 `json:"confidence"`
}

// recordFromReply turns the oracle's structured reply into a Record. A reply
// that does not parse falls back to local extraction.
func recordFromReply(raw, reply string) (problem.Record, bool) {
	parsed, err := oracle.Decode[parseReply](reply)
	if err != nil {
		return localRecord(raw), false
	}

	text := strings.TrimSpace(parsed.ProblemText)
	if text == "" {
		text = raw
	}
	conf := defaultParseConfidence
	if parsed.Confidence != nil {
		conf = *parsed.Confidence
	}

	if parsed.NeedsClarification {
		rec := problem.NewRecord(text, problem.CategoryUnknown, nil, clarificationConfidence)
		rec.NeedsClarification = true
		rec.ClarificationNote = strings.TrimSpace(parsed.ClarificationReason)
		if rec.ClarificationNote == "" {
			rec.ClarificationNote = "The problem needs clarification."
		}
		return rec, true
	}
	return problem.NewRecord(text, problem.ParseCategory(parsed.Topic), cleanVariables(raw, parsed.Variables), conf), true
}

// cleanVariables dedupes and sorts names, dropping i, e and pi unless the
// text introduces them with let, where or assume.
func cleanVariables(text string, vars []string) []string {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	out := []string{}
	for _, v := range vars {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		lv := strings.ToLower(v)
		if mathConstants[lv] && !introduced(lower, lv) {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func introduced(lower, v string) bool {
	for _, lead := range []string{"let ", "where ", "assume "} {
		if strings.Contains(lower, lead+v) {
			return true
		}
	}
	return false
}

// localRecord classifies text without the oracle.
func localRecord(text string) problem.Record {
	text = strings.TrimSpace(text)
	return problem.NewRecord(text, guessCategory(text), cleanVariables(text, guessVariables(text)), fallbackConfidence)
}

var categoryCues = []struct {
	category problem.Category
	cues     []string
}{
	{problem.CategoryProbability, []string{"probability", "chance", "dice", "coin", "cards", "balls", "bag", "random"}},
	{problem.CategoryCalculus, []string{"derivative", "differentiate", "integral", "integrate", "limit", "d/dx", "∫"}},
	{problem.CategoryLinearAlgebra, []string{"matrix", "determinant", "eigen", "vector"}},
	{problem.CategoryAlgebra, []string{"solve", "equation", "simplify", "factor", "root", "="}},
}

func guessCategory(text string) problem.Category {
	lower := strings.ToLower(text)
	for _, c := range categoryCues {
		for _, cue := range c.cues {
			if strings.Contains(lower, cue) {
				return c.category
			}
		}
	}
	return problem.CategoryUnknown
}

const operatorChars = "=+-*/^()"

// guessVariables returns single letters standing next to a digit or an
// operator, as in "2x + 1" or "y = 3".
func guessVariables(text string) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); {
		if !unicode.IsLetter(runes[i]) {
			i++
			continue
		}
		j := i
		for j < len(runes) && unicode.IsLetter(runes[j]) {
			j++
		}
		if j-i == 1 && (mathNeighbor(runes, i-1, -1) || mathNeighbor(runes, j, 1)) {
			out = append(out, string(runes[i]))
		}
		i = j
	}
	return out
}

// mathNeighbor reports whether the first non-space rune from i in direction
// dir is a digit or an operator.
func mathNeighbor(runes []rune, i, dir int) bool {
	for ; i >= 0 && i < len(runes); i += dir {
		r := runes[i]
		if r == ' ' {
			continue
		}
		return unicode.IsDigit(r) || strings.ContainsRune(operatorChars, r)
	}
	return false
}
