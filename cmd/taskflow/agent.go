package main

import (
	"context"
	"log/slog"

	"github.com/kgatilin/aihive/poller"
)

// loggingAgent is the default poller.Agent wired by this binary when
// no pluggable worker agent is registered. It never does real work —
// it only logs the snapshot and returns a clarification verdict — the
// same kind of explicit stand-in as service.LoggingNotifier, since
// nothing in this engine's scope specifies what an actual agent's
// content-generation logic looks like (§1, §9 treat it as an opaque
// callable).
type loggingAgent struct {
	logger *slog.Logger
}

func newLoggingAgent(logger *slog.Logger) *loggingAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingAgent{logger: logger}
}

func (a *loggingAgent) Process(_ context.Context, snapshot poller.TaskSnapshot) (poller.Verdict, error) {
	a.logger.Info("loggingAgent received task, no pluggable agent registered",
		"task_id", snapshot.TaskID,
		"status", snapshot.Status,
	)
	return poller.Verdict{
		Kind:      poller.VerdictClarification,
		Questions: "no worker agent is registered for this pool; configure a real poller.Agent to process this task",
	}, nil
}
