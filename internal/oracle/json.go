package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrMalformedOutput is returned when a response has no parseable JSON object.
// Every caller has a deterministic fallback for it.
var ErrMalformedOutput = errors.New("malformed oracle output")

// jsonObject spans from the first '{' to the last '}' in a response.
var jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)

// ExtractJSON returns the outermost JSON object embedded in text, which may be
// wrapped in prose or code fences.
func ExtractJSON(text string) (string, error) {
	m := jsonObject.FindString(text)
	if m == "" {
		return "", fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}
	return m, nil
}

// Decode extracts and unmarshals a JSON object from a response.
func Decode[T any](text string) (T, error) {
	var v T
	raw, err := ExtractJSON(text)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return v, nil
}
