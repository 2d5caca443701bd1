// Package bus defines the broker-agnostic domain event/command bus
// (spec §4.3): two logically separated channels (fan-out events, named
// single-consumer command queues), an ordered pre-publish interceptor
// seam replacing the original's monkey-patched publish method (§9), and
// two implementations — bus/memory (in-process) and bus/broker (NATS
// JetStream, for durable/persistent delivery).
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/kgatilin/aihive/task"
)

// EventHandler processes one delivered event. Returning an error marks
// the delivery failed; a retry controller (package retry) typically
// wraps the handler passed to SubscribeToEvent to interpret that error.
type EventHandler func(ctx context.Context, event task.Event) error

// CommandHandler processes one delivered command.
type CommandHandler func(ctx context.Context, command task.Command) error

// MessageKind discriminates an intercepted message.
type MessageKind string

const (
	KindEvent   MessageKind = "event"
	KindCommand MessageKind = "command"
)

// Message is the shape every pre-publish interceptor observes,
// regardless of whether the underlying message is an event or a
// command (§4.7: "Subscribes to every event/command via a publishing
// interceptor").
type Message struct {
	Kind          MessageKind
	Type          string
	ID            string
	CorrelationID string
	CausationID   string
	Timestamp     time.Time
	Raw           any // task.Event or task.Command
}

// Interceptor observes a message immediately before it is dispatched to
// subscribers. Interceptors cannot block delivery or alter the message;
// this is the "public install middleware seam" of §9, replacing the
// original's monkey-patched publish method. The monitor (package
// monitor) registers one.
type Interceptor func(ctx context.Context, msg Message)

// Subscription is returned by the Subscribe* methods; Unsubscribe
// removes the binding. An absent queue_name binds a non-durable
// subscription auto-deleted on Disconnect (§4.3).
type Subscription interface {
	Unsubscribe() error
}

// Recorder observes the outcome of a subscriber dispatch. package
// metrics implements it; nil is a valid value and disables recording.
type Recorder interface {
	RecordBusDispatch(kind, msgType string, err bool)
}

// InterceptorChain runs an ordered list of Interceptors, shared by both
// the in-memory and broker-backed Bus implementations so the seam
// behaves identically regardless of transport.
type InterceptorChain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
}

func (c *InterceptorChain) Use(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, i)
}

func (c *InterceptorChain) Run(ctx context.Context, msg Message) {
	c.mu.RLock()
	chain := append([]Interceptor(nil), c.interceptors...)
	c.mu.RUnlock()
	for _, i := range chain {
		i(ctx, msg)
	}
}

// Bus is the broker-agnostic pub/sub contract (§4.3).
type Bus interface {
	// Connect and Disconnect are idempotent.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Use registers an ordered pre-publish interceptor.
	Use(i Interceptor)

	// PublishEvent routes on event.EventType to every subscriber. It
	// must be callable from any goroutine and must not block the
	// caller beyond enqueue.
	PublishEvent(ctx context.Context, event task.Event) error

	// SubscribeToEvent registers a consumer for eventType. queueName,
	// when non-empty, makes the binding durable across Disconnect (in
	// the broker-backed implementation); the in-memory implementation
	// accepts it for interface parity but always holds subscriptions
	// only for the process lifetime.
	SubscribeToEvent(eventType task.EventType, queueName string, handler EventHandler) (Subscription, error)

	// PublishCommand routes to the single named queue for the
	// command's type.
	PublishCommand(ctx context.Context, command task.Command) error

	// SubscribeToCommand registers a consumer of a named queue. In the
	// in-memory implementation a later subscription for the same
	// commandType replaces the earlier one, whatever its queueName. The
	// broker-backed implementation creates or reuses a JetStream consumer
	// and does not replace an earlier subscription.
	SubscribeToCommand(commandType task.CommandType, queueName string, handler CommandHandler) (Subscription, error)
}
