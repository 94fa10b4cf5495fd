package learning

import (
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

// ProblemType is the finer-grained classification used to key strategy weights.
type ProblemType string

const (
	TypeSolveEquation   ProblemType = "solve_equation"
	TypeSimplify        ProblemType = "simplify"
	TypeDifferentiate   ProblemType = "differentiate"
	TypeIntegrate       ProblemType = "integrate"
	TypeEvaluate        ProblemType = "evaluate"
	TypeProve           ProblemType = "prove"
	TypeFindProbability ProblemType = "find_probability"
	TypeFindLimit       ProblemType = "find_limit"
	TypeMatrixOperation ProblemType = "matrix_operation"
	TypeGeneral         ProblemType = "general"
)

type typeRule struct {
	typ      ProblemType
	keywords []string
}

// Rules are checked in order; the first match wins.
var typeRules = []typeRule{
	{TypeSolveEquation, []string{"solve", "find x", "find the value", "find the root"}},
	{TypeSimplify, []string{"simplify", "reduce", "express"}},
	{TypeDifferentiate, []string{"differentiate", "derivative", "d/dx", "dy/dx"}},
	{TypeIntegrate, []string{"integrate", "integral", "find the area"}},
	{TypeEvaluate, []string{"evaluate", "calculate", "compute"}},
	{TypeProve, []string{"prove", "show that", "verify"}},
	{TypeFindProbability, []string{"probability", "chance", "likelihood"}},
	{TypeFindLimit, []string{"limit", "lim ", "approaches"}},
	{TypeMatrixOperation, []string{"matrix", "determinant", "inverse", "eigenvalue"}},
}

// ClassifyProblemType assigns a problem type from keywords in text.
func ClassifyProblemType(text string) ProblemType {
	lower := strings.ToLower(text)
	for _, rule := range typeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.typ
			}
		}
	}
	return TypeGeneral
}

// Strategy is the recommended approach for a problem type.
type Strategy struct {
	Primary string   `json:"primary"`
	Steps   []string `json:"steps"`
}

var strategies = map[ProblemType]Strategy{
	TypeSolveEquation: {
		Primary: "algebraic_manipulation",
		Steps:   []string{"Identify the equation type", "Isolate the variable", "Solve", "Verify by substitution"},
	},
	TypeSimplify: {
		Primary: "algebraic_manipulation",
		Steps:   []string{"Factor numerator and denominator", "Cancel common factors", "State domain restrictions"},
	},
	TypeDifferentiate: {
		Primary: "formula_application",
		Steps:   []string{"Identify the function type", "Apply differentiation rules", "Simplify"},
	},
	TypeIntegrate: {
		Primary: "formula_application",
		Steps:   []string{"Identify the integral type", "Apply an integration technique", "Add the constant of integration"},
	},
	TypeEvaluate: {
		Primary: "direct_computation",
		Steps:   []string{"Substitute the given values", "Compute carefully", "Check units and sign"},
	},
	TypeProve: {
		Primary: "step_by_step_derivation",
		Steps:   []string{"State what is given", "Choose a proof technique", "Justify each step", "Conclude"},
	},
	TypeFindProbability: {
		Primary: "step_by_step_derivation",
		Steps:   []string{"Identify the sample space", "Count favorable outcomes", "Apply the probability formula"},
	},
	TypeFindLimit: {
		Primary: "formula_application",
		Steps:   []string{"Check direct substitution", "Apply L'Hopital's rule if needed", "Evaluate"},
	},
	TypeMatrixOperation: {
		Primary: "direct_computation",
		Steps:   []string{"Identify the operation", "Apply matrix rules", "Compute"},
	},
}

// StrategyFor returns the strategy for a problem type. General problems get
// a category-specific fallback.
func StrategyFor(category problem.Category, typ ProblemType) Strategy {
	s, ok := strategies[typ]
	if !ok {
		s = generalStrategy(category)
	}
	return Strategy{Primary: s.Primary, Steps: append([]string(nil), s.Steps...)}
}

func generalStrategy(category problem.Category) Strategy {
	switch category {
	case problem.CategoryAlgebra:
		return Strategy{Primary: "algebraic_manipulation", Steps: []string{"Understand the problem", "Set up the equation", "Solve", "Verify"}}
	case problem.CategoryCalculus:
		return Strategy{Primary: "formula_application", Steps: []string{"Understand the problem", "Identify the applicable rule", "Apply it", "Verify"}}
	case problem.CategoryProbability:
		return Strategy{Primary: "step_by_step_derivation", Steps: []string{"Understand the problem", "Define the events", "Compute", "Check the result lies in [0, 1]"}}
	case problem.CategoryLinearAlgebra:
		return Strategy{Primary: "direct_computation", Steps: []string{"Understand the problem", "Write the system in matrix form", "Compute", "Verify"}}
	case problem.CategoryUnknown:
		return Strategy{Primary: "step_by_step_derivation", Steps: []string{"Understand the problem", "Identify the method", "Solve", "Verify"}}
	default:
		return Strategy{Primary: "step_by_step_derivation", Steps: []string{"Understand the problem", "Identify the method", "Solve", "Verify"}}
	}
}
