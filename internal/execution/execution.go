package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/otel"
	"github.com/basket/querygate/internal/persistence"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint response not found")
	ErrReleased           = errors.New("execution released")
)

const responsePageSize = 100

// afterPageRead runs between a response page read and the completion check.
// Tests set it to interleave a producer.
var afterPageRead func()

func newAttachSemaphore() *semaphore.Weighted {
	return semaphore.NewWeighted(1)
}

// Execution is a running (or finished, still buffered) operation whose
// responses are appended to the response log and streamed to at most one
// attached sender.
type Execution struct {
	session      *Session
	key          string
	operationID  string
	reattachable bool

	store        *persistence.Store
	bus          *bus.Bus
	clock        clockwork.Clock
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *otel.Metrics

	appendMu  sync.Mutex
	completed atomic.Bool

	// attachSem admits one sender at a time; later attaches queue on it.
	attachSem *semaphore.Weighted
	attached  atomic.Int32

	released    chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

func (e *Execution) OperationID() string { return e.operationID }

// Key is the execution's unique storage key.
func (e *Execution) Key() string { return e.key }

func (e *Execution) Reattachable() bool { return e.reattachable }

// Completed reports whether the final response has been appended.
func (e *Execution) Completed() bool { return e.completed.Load() }

// Attached reports whether a sender is currently attached.
func (e *Execution) Attached() bool { return e.attached.Load() > 0 }

func (e *Execution) isReleased() bool {
	select {
	case <-e.released:
		return true
	default:
		return false
	}
}

// Append adds a non-final response to the stream.
func (e *Execution) Append(ctx context.Context, payload json.RawMessage) (Response, error) {
	return e.append(ctx, payload, false)
}

// Complete appends the final response. No responses may follow it.
func (e *Execution) Complete(ctx context.Context, payload json.RawMessage) (Response, error) {
	return e.append(ctx, payload, true)
}

func (e *Execution) append(ctx context.Context, payload json.RawMessage, final bool) (Response, error) {
	if e.isReleased() {
		return Response{}, ErrReleased
	}
	e.appendMu.Lock()
	rec, err := e.store.AppendResponse(ctx, e.key, uuid.NewString(), payload, final)
	e.appendMu.Unlock()
	if err != nil {
		if e.isReleased() {
			return Response{}, ErrReleased
		}
		return Response{}, err
	}
	if rec.Final {
		e.completed.Store(true)
	}
	if e.bus != nil {
		e.bus.Publish(bus.ExecutionResponseTopic(e.key), bus.ResponseAppendedEvent{
			OperationKey: e.key,
			ResponseID:   rec.ResponseID,
			Index:        rec.Index,
			Final:        rec.Final,
		})
	}
	return responseFromRecord(e.operationID, rec), nil
}

// AttachFromStart streams every response from the beginning.
func (e *Execution) AttachFromStart(ctx context.Context, sender Sender) error {
	return e.attach(ctx, sender, 0)
}

// AttachFromCheckpoint streams the responses strictly after responseID.
func (e *Execution) AttachFromCheckpoint(ctx context.Context, sender Sender, responseID string) error {
	idx, err := e.store.ResponseIndex(ctx, e.key, responseID)
	if err != nil {
		if errors.Is(err, persistence.ErrResponseNotFound) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, responseID)
		}
		return err
	}
	return e.attach(ctx, sender, idx)
}

// attach waits for the attach slot, then delivers responses after cursor
// until the final response is sent, ctx ends or the execution is released.
func (e *Execution) attach(ctx context.Context, sender Sender, cursor int64) error {
	if e.isReleased() {
		return ErrReleased
	}
	if err := e.attachSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.attachSem.Release(1)

	e.attached.Add(1)
	defer e.attached.Add(-1)
	e.metrics.AddActiveSenders(ctx, 1)
	defer e.metrics.AddActiveSenders(context.WithoutCancel(ctx), -1)
	e.session.touch()
	defer e.session.touch()

	// Subscribe before the first read so an append between the read and the
	// wait still wakes us.
	var sub *bus.Subscription
	if e.bus != nil {
		sub = e.bus.Subscribe(bus.ExecutionResponseTopic(e.key))
		defer e.bus.Unsubscribe(sub)
	}

	for {
		if e.isReleased() {
			return ErrReleased
		}
		// Read completion before the page: a final row committed after the
		// read must be fetched, not assumed delivered.
		done := e.completed.Load()
		page, err := e.store.ListResponsesAfter(ctx, e.key, cursor, responsePageSize)
		if afterPageRead != nil {
			afterPageRead()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read responses: %w", err)
		}
		for _, rec := range page {
			if e.isReleased() {
				return ErrReleased
			}
			if err := sender.Send(ctx, responseFromRecord(e.operationID, rec)); err != nil {
				return err
			}
			cursor = rec.Index
			e.metrics.RecordResponsesDelivered(ctx, 1)
			if rec.Final {
				return nil
			}
		}
		if len(page) == responsePageSize {
			continue
		}
		if len(page) == 0 && done {
			// The cursor already points at the final response.
			return nil
		}

		var wake <-chan bus.Event
		if sub != nil {
			wake = sub.Ch()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.released:
			return ErrReleased
		case _, ok := <-wake:
			if !ok {
				sub = nil
			}
		case <-e.clock.After(e.pollInterval):
		}
	}
}

// release marks the execution released and wakes any attached sender. When
// purge is set the execution and its buffered responses are deleted;
// otherwise they are kept as RELEASED for retention to prune.
func (e *Execution) release(ctx context.Context, purge bool) error {
	e.releaseOnce.Do(func() {
		close(e.released)
		ctx := context.WithoutCancel(ctx)
		if purge {
			e.releaseErr = e.store.DeleteExecution(ctx, e.key)
		} else {
			err := e.store.MarkExecution(ctx, e.key, persistence.ExecutionStatusReleased)
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				err = nil
			}
			e.releaseErr = err
		}
		if e.bus != nil {
			e.bus.Publish(bus.ExecutionReleasedTopic(e.key), bus.ExecutionReleasedEvent{
				OperationKey: e.key,
				UserID:       e.session.userID,
				SessionID:    e.session.sessionID,
				OperationID:  e.operationID,
			})
		}
		e.logger.Info("execution released", "purged", purge)
	})
	return e.releaseErr
}
