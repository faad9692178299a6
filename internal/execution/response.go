package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/basket/querygate/internal/persistence"
)

// ErrSenderReleased is returned by Send after Release.
var ErrSenderReleased = errors.New("response sender released")

// Response is one element of an execution's response stream. ID is the
// opaque checkpoint identifier a client echoes back when it reattaches.
type Response struct {
	ID          string          `json:"response_id"`
	Index       int64           `json:"index"`
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
	Final       bool            `json:"final"`
	CreatedAt   time.Time       `json:"created_at"`
}

func responseFromRecord(operationID string, rec persistence.ResponseRecord) Response {
	return Response{
		ID:          rec.ResponseID,
		Index:       rec.Index,
		OperationID: operationID,
		Payload:     json.RawMessage(rec.Payload),
		Final:       rec.Final,
		CreatedAt:   rec.CreatedAt,
	}
}

// Sink receives responses on behalf of a client connection.
type Sink interface {
	Send(ctx context.Context, resp Response) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, resp Response) error

func (f SinkFunc) Send(ctx context.Context, resp Response) error {
	return f(ctx, resp)
}

// Sender delivers an execution's responses to one client. An execution has
// at most one attached Sender at a time.
type Sender interface {
	Send(ctx context.Context, resp Response) error
	Release()
}

// ResponseSender is the Sender handed to executions for a reattaching client.
type ResponseSender struct {
	sink Sink

	mu       sync.Mutex
	released bool
	lastID   string
	sent     int64
}

func NewResponseSender(sink Sink) *ResponseSender {
	return &ResponseSender{sink: sink}
}

// Send forwards resp to the sink and records it as the last delivered
// response.
func (s *ResponseSender) Send(ctx context.Context, resp Response) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSenderReleased
	}
	s.mu.Unlock()

	if err := s.sink.Send(ctx, resp); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastID = resp.ID
	s.sent++
	s.mu.Unlock()
	return nil
}

// Release detaches the sender from its sink. Safe to call more than once.
func (s *ResponseSender) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

// Released reports whether Release has been called.
func (s *ResponseSender) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// LastResponseID returns the id of the last response delivered, which is the
// checkpoint a client should resume from.
func (s *ResponseSender) LastResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Sent returns how many responses were delivered.
func (s *ResponseSender) Sent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
