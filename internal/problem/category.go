package problem

import "strings"

// Category is the top-level math topic used for dispatch.
//
// The set is closed: verification and learning switch over every value, so
// adding a category means touching those switches.
type Category string

const (
	CategoryAlgebra       Category = "algebra"
	CategoryCalculus      Category = "calculus"
	CategoryProbability   Category = "probability"
	CategoryLinearAlgebra Category = "linear_algebra"
	CategoryUnknown       Category = "unknown"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryAlgebra,
	CategoryCalculus,
	CategoryProbability,
	CategoryLinearAlgebra,
	CategoryUnknown,
}

// ParseCategory maps a label to its Category. Unrecognized labels become
// CategoryUnknown.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "algebra":
		return CategoryAlgebra
	case "calculus":
		return CategoryCalculus
	case "probability":
		return CategoryProbability
	case "linear_algebra", "linear algebra", "linear-algebra":
		return CategoryLinearAlgebra
	default:
		return CategoryUnknown
	}
}

// IsKnown reports whether c names a real topic.
func (c Category) IsKnown() bool {
	return c != CategoryUnknown && ParseCategory(string(c)) == c
}

// Gated reports whether low verification confidence in this category must be
// escalated to human review.
func (c Category) Gated() bool {
	switch c {
	case CategoryAlgebra, CategoryLinearAlgebra:
		return true
	case CategoryCalculus, CategoryProbability, CategoryUnknown:
		return false
	}
	return false
}

func (c Category) String() string { return string(c) }

// FeedbackType is the user's verdict on a solution.
type FeedbackType string

const (
	FeedbackNone      FeedbackType = "none"
	FeedbackCorrect   FeedbackType = "correct"
	FeedbackPartial   FeedbackType = "partial"
	FeedbackIncorrect FeedbackType = "incorrect"
)

// ParseFeedbackType validates a feedback label.
func ParseFeedbackType(s string) (FeedbackType, error) {
	switch f := FeedbackType(strings.ToLower(strings.TrimSpace(s))); f {
	case FeedbackNone, FeedbackCorrect, FeedbackPartial, FeedbackIncorrect:
		return f, nil
	case "":
		return FeedbackNone, nil
	default:
		return "", ErrInvalidFeedback
	}
}

// Negative reports whether the feedback counts against a strategy.
func (f FeedbackType) Negative() bool {
	return f == FeedbackIncorrect || f == FeedbackPartial
}
