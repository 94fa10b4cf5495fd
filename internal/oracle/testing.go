package oracle

import (
	"context"
	"strings"
	"sync"
)

// Scripted is a Completer for tests. It answers with the response of the
// first rule whose marker appears in the prompt, else Default.
type Scripted struct {
	mu      sync.Mutex
	rules   []scriptRule
	Default string
	Err     error
	prompts []string
}

type scriptRule struct {
	marker   string
	response string
	err      error
}

// On registers a response for prompts containing marker.
func (s *Scripted) On(marker, response string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{marker: marker, response: response})
	return s
}

// Fail registers an error for prompts containing marker.
func (s *Scripted) Fail(marker string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{marker: marker, err: err})
	return s
}

// Complete implements Completer.
func (s *Scripted) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	for _, r := range s.rules {
		if strings.Contains(prompt, r.marker) {
			return r.response, r.err
		}
	}
	return s.Default, s.Err
}

// Calls returns how many prompts were completed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// Prompts returns a copy of every prompt received.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
