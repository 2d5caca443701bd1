// Package retry wraps a bus subscriber callback with classify-then-retry
// semantics (§4.4): a failing callback is retried with exponential
// backoff up to a configured limit, after which it is dead-lettered.
// Grounded on original_source's error_handler.py, with one deliberate
// correction: the original tracks a pending retry by message id alone
// and, when a newer attempt supersedes it, removes only the tracking
// entry — the stale timer still fires and still invokes the old
// callback. Controller instead stamps each scheduled retry with a
// generation number and checks it immediately before invoking, so a
// superseded retry's delay still elapses but its callback is
// suppressed.
package retry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Recorder observes scheduled retries and dead-letters. package
// metrics implements it; nil is a valid value and disables recording.
type Recorder interface {
	RecordRetryScheduled(commandType string)
	RecordDeadLetter(commandType, reason string)
}

// Options configures a Controller. Zero values select the defaults
// spec §6 lists under "Configuration keys".
type Options struct {
	MaxRetries    int           // default 3
	InitialDelay  time.Duration // default 1s
	MaxDelay      time.Duration // default 60s
	BackoffFactor float64       // default 2.0
	Classifier    Classifier    // default DefaultClassifier
	Metrics       Recorder      // optional; nil disables recording
}

// messageTypeLabel recovers a metrics label from message without
// importing package task: task.Command implements this method.
func messageTypeLabel(message any) string {
	if l, ok := message.(interface{ RetryTypeLabel() string }); ok {
		return l.RetryTypeLabel()
	}
	return "unknown"
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 2.0
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier
	}
	return o
}

// delay returns the backoff for the retryCount'th retry (0-indexed):
// min(initial_delay * backoff_factor^retry_count, max_delay).
func (o Options) delay(retryCount int) time.Duration {
	d := float64(o.InitialDelay) * math.Pow(o.BackoffFactor, float64(retryCount))
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

type msgState struct {
	retryCount int
	generation uint64
}

// Controller decorates subscriber callbacks with retry/dead-letter
// handling, keyed by an arbitrary caller-chosen message id (an event's
// EventID or a command's CommandID).
type Controller struct {
	opts   Options
	dlq    *DeadLetterStore
	logger *slog.Logger

	mu    sync.Mutex
	state map[string]*msgState
}

// NewController builds a Controller writing dead-lettered messages to
// dlq (never nil).
func NewController(opts Options, dlq *DeadLetterStore) *Controller {
	return &Controller{
		opts:   opts.withDefaults(),
		dlq:    dlq,
		logger: slog.Default(),
		state:  make(map[string]*msgState),
	}
}

// Handle invokes callback, and on failure either schedules a delayed
// retry or dead-letters message, per DefaultClassifier/opts.Classifier.
// messageID identifies the logical message across retries; message is
// the original payload, recorded verbatim in any resulting
// DeadLetterRecord.
func (c *Controller) Handle(ctx context.Context, messageID string, message any, callback func(context.Context) error) {
	err := callback(ctx)
	if err == nil {
		c.mu.Lock()
		delete(c.state, messageID)
		c.mu.Unlock()
		return
	}
	c.onFailure(ctx, messageID, message, callback, err)
}

func (c *Controller) onFailure(ctx context.Context, messageID string, message any, callback func(context.Context) error, err error) {
	c.mu.Lock()
	st, ok := c.state[messageID]
	if !ok {
		st = &msgState{}
		c.state[messageID] = st
	}

	category := c.opts.Classifier(err)
	if category == CategoryTerminal || st.retryCount >= c.opts.MaxRetries {
		retryCount := st.retryCount
		delete(c.state, messageID)
		c.mu.Unlock()
		c.logger.Warn("dead-lettering message", "message_id", messageID, "retry_count", retryCount, "error", err)
		c.dlq.Add(DeadLetterRecord{
			MessageID:      messageID,
			Message:        message,
			OriginalError:  err.Error(),
			RetryCount:     retryCount,
			FailedAt:       time.Now(),
			DeadLetteredAt: time.Now(),
		})
		if c.opts.Metrics != nil {
			reason := "max_retries_exceeded"
			if category == CategoryTerminal {
				reason = "terminal"
			}
			c.opts.Metrics.RecordDeadLetter(messageTypeLabel(message), reason)
		}
		return
	}

	delayFor := c.opts.delay(st.retryCount)
	st.retryCount++
	st.generation++
	gen := st.generation
	retryCount := st.retryCount
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordRetryScheduled(messageTypeLabel(message))
	}
	c.logger.Info("scheduling retry", "message_id", messageID, "retry_count", retryCount, "delay", delayFor, "error", err)
	time.AfterFunc(delayFor, func() {
		c.mu.Lock()
		cur, ok := c.state[messageID]
		superseded := !ok || cur.generation != gen
		c.mu.Unlock()
		if superseded {
			// The delay elapsed, but a newer attempt for this message id
			// has since started (or succeeded and cleared the state) —
			// suppress this stale callback invocation.
			return
		}
		c.Handle(ctx, messageID, message, callback)
	})
}

// Retries reports the current retry count tracked for messageID, or 0
// if there is none (either never failed, or already resolved).
func (c *Controller) Retries(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.state[messageID]; ok {
		return st.retryCount
	}
	return 0
}
