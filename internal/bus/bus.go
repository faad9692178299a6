package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Lifecycle topics. Execution topics are suffixed with the operation key so a
// sender can subscribe to exactly one execution.
const (
	TopicExecutionResponse = "execution.response."
	TopicExecutionReleased = "execution.released."
	TopicQueryRegistered   = "query.registered"
	TopicQueryExpired      = "query.expired"
	TopicQueryStopped      = "query.stopped"
	TopicSessionClosed     = "session.closed"
)

// ExecutionResponseTopic returns the topic a response append for the given
// operation key is published on.
func ExecutionResponseTopic(operationKey string) string {
	return TopicExecutionResponse + operationKey
}

// ExecutionReleasedTopic returns the topic a release of the given operation
// key is published on.
func ExecutionReleasedTopic(operationKey string) string {
	return TopicExecutionReleased + operationKey
}

// ResponseAppendedEvent is published after a response is durably appended to
// an execution's response log.
type ResponseAppendedEvent struct {
	OperationKey string
	ResponseID   string
	Index        int64
	Final        bool
}

// ExecutionReleasedEvent is published when an execution is released by its owner
// or torn down with its session.
type ExecutionReleasedEvent struct {
	OperationKey string
	UserID       string
	SessionID    string
	OperationID  string
}

// QueryEvent is published on streaming query cache transitions.
type QueryEvent struct {
	QueryID   string
	RunID     string
	UserID    string
	SessionID string
}

// SessionClosedEvent is published when a session is closed explicitly or reaped
// for idleness.
type SessionClosedEvent struct {
	UserID    string
	SessionID string
	Reason    string // "closed" or "idle"
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
// Subscribers that use the bus as a wakeup signal must re-read their source of
// truth after every event rather than rely on each event arriving.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
