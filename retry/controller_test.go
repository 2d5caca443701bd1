package retry_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/retry"
)

var errBoom = errors.New("connection refused")

func TestControllerRetriesRetryableErrorThenSucceeds(t *testing.T) {
	dlq := retry.NewDeadLetterStore()
	c := retry.NewController(retry.Options{
		MaxRetries:    3,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 2,
	}, dlq)

	var attempts int32
	done := make(chan struct{})
	c.Handle(context.Background(), "msg-1", "payload", func(context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errBoom
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retry to succeed")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Empty(t, dlq.List())
}

func TestControllerDeadLettersAfterMaxRetries(t *testing.T) {
	dlq := retry.NewDeadLetterStore()
	c := retry.NewController(retry.Options{
		MaxRetries:    2,
		InitialDelay:  2 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2,
	}, dlq)

	var attempts int32
	c.Handle(context.Background(), "msg-2", "payload-2", func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errBoom
	})

	require.Eventually(t, func() bool {
		return len(dlq.List()) == 1
	}, time.Second, time.Millisecond)

	records := dlq.List()
	require.Len(t, records, 1)
	assert.Equal(t, "msg-2", records[0].MessageID)
	assert.Equal(t, "payload-2", records[0].Message)
	assert.Equal(t, 2, records[0].RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts)) // initial + 2 retries
}

func TestControllerDeadLettersTerminalErrorImmediately(t *testing.T) {
	dlq := retry.NewDeadLetterStore()
	c := retry.NewController(retry.Options{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
	}, dlq)

	var attempts int32
	c.Handle(context.Background(), "msg-3", "payload-3", func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.Wrap(errors.New("missing field"), "invalid character '}' looking for beginning of value")
	})

	records := dlq.List()
	require.Len(t, records, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

// TestControllerSupersedesStalePendingRetry proves the generation-fix:
// a second failure for the same message id before the first scheduled
// retry fires must suppress that first retry's callback invocation
// entirely, even though its timer still elapses.
func TestControllerSupersedesStalePendingRetry(t *testing.T) {
	dlq := retry.NewDeadLetterStore()
	c := retry.NewController(retry.Options{
		MaxRetries:    5,
		InitialDelay:  30 * time.Millisecond,
		MaxDelay:      30 * time.Millisecond,
		BackoffFactor: 1,
	}, dlq)

	var invocations int32
	cb := func(context.Context) error {
		n := atomic.AddInt32(&invocations, 1)
		if n < 3 {
			return errBoom
		}
		return nil
	}

	// First failure schedules a retry ~30ms out, under generation 1.
	c.Handle(context.Background(), "msg-4", "payload", cb)

	// Before that retry fires, a second failure for the same message id
	// supersedes it — bumping the generation — and schedules its own
	// retry ~30ms after this call.
	time.Sleep(5 * time.Millisecond)
	c.Handle(context.Background(), "msg-4", "payload", cb)

	// Generation 1's timer elapses around t=30ms but must find itself
	// superseded; generation 2's timer elapses around t=35ms, invokes
	// cb a third time, and succeeds. Without the generation check the
	// stale generation-1 timer would also invoke cb, yielding 4
	// invocations instead of 3.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&invocations))
}
