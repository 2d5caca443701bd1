package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kgatilin/aihive/task"
)

// queuedMessage is either a published event or command, carried through
// the single dispatch goroutine so that delivery to a given bus stays
// FIFO per publisher (§4.3, "ordering to a single subscriber is FIFO
// per publisher").
type queuedMessage struct {
	event   *task.Event
	command *task.Command
}

// MemoryBus is the in-process Bus implementation (§4.3, "In-memory
// implementation"). Grounded on the teacher's EventDispatcher
// (ai/agents/orchestrator/event_dispatcher.go): a buffered channel feeds
// a background dispatch loop that recovers from subscriber panics and
// never lets one subscriber's failure take down the loop. Unlike the
// teacher's dispatcher, MemoryBus never drops a message when the buffer
// is saturated — spec §4.3 gives no delivery-loss allowance — so a full
// buffer falls back to a dedicated goroutine that blocks on the send
// instead of the caller's own goroutine.
type MemoryBus struct {
	mu            sync.RWMutex
	connected     bool
	interceptors  InterceptorChain
	eventSubs     map[task.EventType][]*memEventSub
	commandQueues map[string]*commandQueue
	metrics       Recorder

	queue  chan queuedMessage
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

type memEventSub struct {
	bus       *MemoryBus
	eventType task.EventType
	handler   EventHandler
}

func (s *memEventSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.eventSubs[s.eventType]
	for i, sub := range subs {
		if sub == s {
			s.bus.eventSubs[s.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// commandQueue is a single named queue with exactly one consumer,
// processing commands to completion one at a time (§4.3). Routing is
// always by command type; queueName is retained only as the durable
// binding name the broker-backed implementation would use.
type commandQueue struct {
	bus       *MemoryBus
	queueName string
	mu        sync.Mutex
	handler   CommandHandler
}

type commandQueueSub struct {
	bus *MemoryBus
	key string
}

func (s *commandQueueSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.commandQueues, s.key)
	return nil
}

// NewMemoryBus returns a disconnected in-process bus with the given
// publish buffer capacity (0 selects a sensible default).
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBus{
		eventSubs:     make(map[task.EventType][]*memEventSub),
		commandQueues: make(map[string]*commandQueue),
		queue:         make(chan queuedMessage, bufferSize),
		done:          make(chan struct{}),
		logger:        slog.Default(),
	}
}

var _ Bus = (*MemoryBus)(nil)

// SetMetrics registers a Recorder observing every subscriber dispatch.
// Unlike Use's pre-publish Interceptor seam, this fires after a
// handler returns, so it can report the error outcome the interceptor
// seam cannot see.
func (b *MemoryBus) SetMetrics(r Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = r
}

func (b *MemoryBus) recordDispatch(kind MessageKind, msgType string, err bool) {
	b.mu.RLock()
	m := b.metrics
	b.mu.RUnlock()
	if m != nil {
		m.RecordBusDispatch(string(kind), msgType, err)
	}
}

func (b *MemoryBus) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.wg.Add(1)
	go b.dispatchLoop()
	return nil
}

func (b *MemoryBus) Disconnect(_ context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}

func (b *MemoryBus) Use(i Interceptor) {
	b.interceptors.Use(i)
}

func (b *MemoryBus) PublishEvent(_ context.Context, event task.Event) error {
	msg := queuedMessage{event: &event}
	select {
	case b.queue <- msg:
	default:
		// Buffer saturated: never drop, never block the caller — hand
		// the blocking send to its own goroutine instead (§4.3, "does
		// not block the caller beyond enqueue").
		go func() { b.queue <- msg }()
	}
	return nil
}

func (b *MemoryBus) PublishCommand(_ context.Context, command task.Command) error {
	msg := queuedMessage{command: &command}
	select {
	case b.queue <- msg:
	default:
		go func() { b.queue <- msg }()
	}
	return nil
}

func (b *MemoryBus) SubscribeToEvent(eventType task.EventType, _ string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memEventSub{bus: b, eventType: eventType, handler: handler}
	b.eventSubs[eventType] = append(b.eventSubs[eventType], sub)
	return sub, nil
}

func (b *MemoryBus) SubscribeToCommand(commandType task.CommandType, queueName string, handler CommandHandler) (Subscription, error) {
	if queueName == "" {
		queueName = string(commandType)
	}
	key := string(commandType)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commandQueues[key] = &commandQueue{bus: b, queueName: queueName, handler: handler}
	return &commandQueueSub{bus: b, key: key}, nil
}

func (b *MemoryBus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.dispatch(msg)
		case <-b.done:
			// Drain whatever is already queued before exiting, bounded
			// by what's already buffered at the moment of Disconnect.
			for {
				select {
				case msg := <-b.queue:
					b.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryBus) dispatch(msg queuedMessage) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic recovered in bus dispatch", "panic", r)
		}
	}()

	switch {
	case msg.event != nil:
		b.dispatchEvent(ctx, *msg.event)
	case msg.command != nil:
		b.dispatchCommand(ctx, *msg.command)
	}
}

func (b *MemoryBus) dispatchEvent(ctx context.Context, event task.Event) {
	b.runInterceptors(ctx, Message{
		Kind:          KindEvent,
		Type:          string(event.EventType),
		ID:            event.EventID,
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
		Timestamp:     event.Timestamp,
		Raw:           event,
	})

	b.mu.RLock()
	subs := append([]*memEventSub(nil), b.eventSubs[event.EventType]...)
	b.mu.RUnlock()

	// "Publishing creates one in-flight task per subscriber and awaits
	// them all" (§4.3) — concurrent across subscribers, but the
	// dispatch loop does not advance to the next queued message until
	// this one has fully fanned out, preserving FIFO per publisher.
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *memEventSub) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("panic recovered in event subscriber", "event_type", event.EventType, "panic", r)
				}
			}()
			err := s.handler(ctx, event)
			if err != nil {
				b.logger.Warn("event subscriber returned error", "event_type", event.EventType, "error", err)
			}
			b.recordDispatch(KindEvent, string(event.EventType), err != nil)
		}(sub)
	}
	wg.Wait()
}

func (b *MemoryBus) dispatchCommand(ctx context.Context, command task.Command) {
	b.runInterceptors(ctx, Message{
		Kind:          KindCommand,
		Type:          string(command.CommandType),
		ID:            command.CommandID,
		CorrelationID: command.CorrelationID,
		CausationID:   command.CausationID,
		Timestamp:     command.Timestamp,
		Raw:           command,
	})

	b.mu.RLock()
	q, ok := b.commandQueues[string(command.CommandType)]
	b.mu.RUnlock()
	if !ok {
		return
	}

	// One consumer per queue processes a command to completion before
	// the next (§4.3): q.mu serializes this queue's handler
	// invocations across however many goroutines are publishing.
	q.mu.Lock()
	defer q.mu.Unlock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("panic recovered in command subscriber", "command_type", command.CommandType, "panic", r)
			}
		}()
		err := q.handler(ctx, command)
		if err != nil {
			b.logger.Warn("command subscriber returned error", "command_type", command.CommandType, "error", err)
		}
		b.recordDispatch(KindCommand, string(command.CommandType), err != nil)
	}()
}

func (b *MemoryBus) runInterceptors(ctx context.Context, msg Message) {
	b.interceptors.Run(ctx, msg)
}
