// Package poller implements the per-agent polling worker loop (spec
// §4.6): it claims assigned tasks, prioritizes them, hands the highest
// priority one to an injected Agent, and translates the returned
// Verdict into further commands. Grounded on the teacher's
// orchestrator poll loop (ai/agents/orchestrator), generalized from a
// single fixed agent kind to any Agent implementation.
package poller

import "context"

// Agent is the single capability the poller depends on (§9, "Replacing
// inheritance of the base agent"): given a task snapshot, produce a
// Verdict. Implementations wrap whatever LLM/content logic the source
// used; the poller only cares about the result.
type Agent interface {
	Process(ctx context.Context, snapshot TaskSnapshot) (Verdict, error)
}

// TaskSnapshot is the read-only view of a task handed to an Agent. A
// snapshot, not the live aggregate, because the poller never mutates
// the aggregate directly — all mutation flows back through commands
// the service consumes (§9, "cyclic wiring between service and bus").
type TaskSnapshot struct {
	TaskID      string
	Title       string
	Description string
	Status      string
	Assignee    string
}

// VerdictKind discriminates a Verdict (§9: "tagged value, not a class
// hierarchy").
type VerdictKind string

const (
	VerdictClarification VerdictKind = "clarification"
	VerdictDocument      VerdictKind = "document"
	VerdictFailure       VerdictKind = "failure"
)

// Verdict is the tagged result of Agent.Process.
type Verdict struct {
	Kind VerdictKind

	// Clarification fields, valid when Kind == VerdictClarification.
	Questions string

	// Document fields, valid when Kind == VerdictDocument.
	DocumentContent string
	DocumentMeta    map[string]any

	// Failure fields, valid when Kind == VerdictFailure.
	FailureMessage string
}
