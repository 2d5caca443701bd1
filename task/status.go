package task

import "sort"

// Status is one of the task lifecycle states. The allowed edges between
// states are fixed by transitionTable; nothing outside this file decides
// whether a transition is legal.
type Status string

const (
	StatusNew                Status = "new"
	StatusCreated            Status = "created"
	StatusAssigned           Status = "assigned"
	StatusInProgress         Status = "in_progress"
	StatusBlocked            Status = "blocked"
	StatusReview             Status = "review"
	StatusCompleted          Status = "completed"
	StatusCanceled           Status = "canceled"
	StatusRequestValidation  Status = "request_validation"
	StatusPRDDevelopment     Status = "prd_development"
	StatusPRDValidation      Status = "prd_validation"
	StatusClarificationNeeded Status = "clarification_needed"
)

// transitionTable encodes the status graph from spec §4.1. StatusNew and
// the product-definition statuses (request_validation, prd_development,
// prd_validation, clarification_needed) are scanner/poller-driven
// extensions of the same status field; they are reachable only via
// change_status like any other status, never via a separate field.
var transitionTable = map[Status]map[Status]bool{
	StatusNew:                {StatusRequestValidation: true, StatusCanceled: true},
	StatusCreated:            {StatusAssigned: true, StatusCanceled: true},
	StatusAssigned:           {StatusInProgress: true, StatusBlocked: true, StatusCanceled: true},
	StatusInProgress:         {StatusReview: true, StatusBlocked: true, StatusCanceled: true},
	StatusBlocked:            {StatusInProgress: true, StatusCanceled: true},
	StatusReview:             {StatusInProgress: true, StatusCompleted: true, StatusCanceled: true},
	StatusRequestValidation:  {StatusPRDDevelopment: true, StatusClarificationNeeded: true, StatusCanceled: true},
	StatusPRDDevelopment:     {StatusPRDValidation: true, StatusClarificationNeeded: true, StatusCanceled: true},
	StatusPRDValidation:      {StatusInProgress: true, StatusClarificationNeeded: true, StatusCanceled: true},
	StatusClarificationNeeded: {StatusRequestValidation: true, StatusPRDDevelopment: true, StatusCanceled: true},
	StatusCompleted:          {},
	StatusCanceled:           {},
}

// IsTerminal reports whether s has no outgoing edges.
func (s Status) IsTerminal() bool {
	edges, ok := transitionTable[s]
	return ok && len(edges) == 0
}

func (s Status) canTransitionTo(next Status) bool {
	if s == next {
		return true // equality self-transition: allowed, no-op, no event (§4.1)
	}
	edges, ok := transitionTable[s]
	if !ok {
		return false
	}
	return edges[next]
}

// Priority is the task's urgency classification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
	// PriorityUrgent is used by the scanner-side ordinal ordering (§4.6,
	// "Priority ordering for scanner-side selection (distinct use)"),
	// which ranks above critical/high/medium/low.
	PriorityUrgent Priority = "urgent"
)

// priorityScore implements the poller's weighted prioritization (§4.6).
func (p Priority) priorityScore() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityMedium:
		return 50
	case PriorityLow:
		return 25
	default:
		return 0
	}
}

// ordinal implements the scanner-side simpler ordering: urgent > high >
// medium > low. Lower is higher priority, matching the original's
// {"urgent": 0, "high": 1, "medium": 2, "low": 3} map.
func (p Priority) ordinal() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// statusScore implements the poller's weighted status component (§4.6).
func (s Status) statusScore() int {
	switch s {
	case StatusBlocked:
		return 20
	case StatusReview:
		return 10
	case StatusAssigned:
		return 0
	default:
		return 0
	}
}

// SortForScanner orders tasks the way the scanner selects work (§4.6,
// "Priority ordering for scanner-side selection"): by priority ordinal
// ascending (urgent first), then created_at ascending.
func SortForScanner(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		ao, bo := a.priority.ordinal(), b.priority.ordinal()
		if ao != bo {
			return ao < bo
		}
		return a.createdAt.Before(b.createdAt)
	})
}

// SortForPoller orders tasks the way the poller selects the next task
// to hand an agent (§4.6): by priority_score + status_score descending,
// then created_at ascending.
func SortForPoller(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		aw := a.priority.priorityScore() + a.status.statusScore()
		bw := b.priority.priorityScore() + b.status.statusScore()
		if aw != bw {
			return aw > bw
		}
		return a.createdAt.Before(b.createdAt)
	})
}
