// Package orchestrator runs the solving pipeline for a single problem.
//
// # Stages
//
//	Parse → Plan → Retrieve → Solve → Verify → [gate] → Explain
//
// Parse rejects empty, non-mathematical and bracket-unbalanced input locally,
// before any oracle call. Plan is advisory and degrades to a default plan.
// When retrieval finds nothing above the relevance floor, Solve refuses to
// guess and returns a backpressure answer with zero confidence.
//
// # Gate
//
// Algebra and linear algebra results whose verifier confidence is below the
// configured threshold (0.80 by default) end in needs_review with the
// solution and verification kept on the result. Other categories are never
// blocked by the gate.
//
// # Terminal status
//
// A request ends exactly once in success, needs_review or error. Solve never
// returns a Go error. A caller that cancels its context gets status error,
// no traces and nothing persisted.
//
// # Persistence
//
// Successful and gate-rejected requests are handed to an InteractionRecorder.
// A persistence failure is reported in PersistenceWarning and never changes
// the status.
package orchestrator
