// Package reattach resumes a client's response stream for an execution that is
// still buffered server-side, either from the first response or from just
// after a checkpoint the client already holds.
package reattach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/querygate/internal/audit"
	"github.com/basket/querygate/internal/execution"
	"github.com/basket/querygate/internal/otel"
	"github.com/basket/querygate/internal/shared"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrNotReattachable   = errors.New("operation is not reattachable")
)

// OperationNotFoundError reports a reattach to an operation id the session
// does not hold. It matches ErrOperationNotFound.
type OperationNotFoundError struct {
	OperationID string
}

func (e *OperationNotFoundError) Error() string {
	return fmt.Sprintf("operation %q not found", e.OperationID)
}

func (e *OperationNotFoundError) Is(target error) bool {
	return target == ErrOperationNotFound
}

// Registry resolves a client session.
type Registry interface {
	Session(ctx context.Context, userID, sessionID string) (Session, error)
}

// Session resolves an execution within a session.
type Session interface {
	Execution(operationID string) (Execution, bool)
}

// Execution is an execution whose buffered responses can be streamed again.
type Execution interface {
	Reattachable() bool
	AttachFromStart(ctx context.Context, sender execution.Sender) error
	AttachFromCheckpoint(ctx context.Context, sender execution.Sender, responseID string) error
}

// Request identifies the stream to resume. An empty LastResponseID replays
// from the first response.
type Request struct {
	UserID         string
	SessionID      string
	OperationID    string
	LastResponseID string
}

// Config holds the Coordinator's dependencies. Only Registry is required.
type Config struct {
	Registry  Registry
	NewSender func(sink execution.Sink) execution.Sender
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
}

// Coordinator serves reattach requests.
type Coordinator struct {
	registry  Registry
	newSender func(sink execution.Sink) execution.Sender
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		registry:  cfg.Registry,
		newSender: cfg.NewSender,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
	}
	if c.newSender == nil {
		c.newSender = func(sink execution.Sink) execution.Sender {
			return execution.NewResponseSender(sink)
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "reattach")
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("querygate/reattach")
	}
	return c
}

// Handle resolves the execution named by req and streams its responses into
// sink until the final response is delivered, ctx ends or the execution is
// released. The sender built for the request is released exactly once on
// every return path; the execution itself is left in place.
func (c *Coordinator) Handle(ctx context.Context, req Request, sink execution.Sink) (err error) {
	ctx = shared.WithUserID(ctx, req.UserID)
	ctx = shared.WithSessionID(ctx, req.SessionID)
	ctx = shared.WithOperationID(ctx, req.OperationID)
	ctx, span := otel.StartSpan(ctx, c.tracer, "reattach.handle",
		otel.AttrUserID.String(req.UserID),
		otel.AttrSessionID.String(req.SessionID),
		otel.AttrOperationID.String(req.OperationID),
		otel.AttrCheckpoint.String(req.LastResponseID),
	)
	defer func() {
		outcome := Outcome(err)
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		otel.EndSpan(span, err)
		c.metrics.RecordReattach(context.WithoutCancel(ctx), outcome)
	}()

	exec, err := c.resolve(ctx, req)
	if err != nil {
		return err
	}

	sender := c.newSender(sink)
	var releaseOnce sync.Once
	defer releaseOnce.Do(sender.Release)

	c.logger.Info("reattach started", append(shared.LogAttrs(ctx), "checkpoint", req.LastResponseID)...)
	if req.LastResponseID != "" {
		err = exec.AttachFromCheckpoint(ctx, sender, req.LastResponseID)
	} else {
		err = exec.AttachFromStart(ctx, sender)
	}
	if err != nil {
		c.logger.Info("reattach ended", append(shared.LogAttrs(ctx), "error", err)...)
		return err
	}
	c.logger.Info("reattach completed", shared.LogAttrs(ctx)...)
	return nil
}

// Check runs the session, operation and reattachability checks of Handle
// without attaching, returning the same errors.
func (c *Coordinator) Check(ctx context.Context, req Request) error {
	_, err := c.resolve(ctx, req)
	return err
}

func (c *Coordinator) resolve(ctx context.Context, req Request) (Execution, error) {
	sess, err := c.registry.Session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reattach: %w", err)
	}
	exec, ok := sess.Execution(req.OperationID)
	if !ok {
		c.deny(ctx, req, "operation not found")
		return nil, &OperationNotFoundError{OperationID: req.OperationID}
	}
	if !exec.Reattachable() {
		c.deny(ctx, req, "operation not reattachable")
		return nil, fmt.Errorf("reattach %q: %w", req.OperationID, ErrNotReattachable)
	}
	return exec, nil
}

func (c *Coordinator) deny(ctx context.Context, req Request, reason string) {
	audit.Record(ctx, "execution.reattach", audit.DecisionDeny, reason,
		req.UserID+"/"+req.SessionID+"/"+req.OperationID)
	c.logger.Warn("reattach denied", append(shared.LogAttrs(ctx), "reason", reason)...)
}

// Outcome classifies a Handle result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, execution.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrOperationNotFound):
		return "operation_not_found"
	case errors.Is(err, ErrNotReattachable):
		return "not_reattachable"
	case errors.Is(err, execution.ErrCheckpointNotFound):
		return "checkpoint_not_found"
	case errors.Is(err, execution.ErrReleased):
		return "released"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// NewRegistry adapts the execution manager to Registry.
func NewRegistry(m *execution.Manager) Registry {
	return managerRegistry{m: m}
}

type managerRegistry struct {
	m *execution.Manager
}

func (r managerRegistry) Session(ctx context.Context, userID, sessionID string) (Session, error) {
	s, err := r.m.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return managerSession{s: s}, nil
}

type managerSession struct {
	s *execution.Session
}

func (s managerSession) Execution(operationID string) (Execution, bool) {
	e, ok := s.s.Execution(operationID)
	if !ok {
		return nil, false
	}
	return e, true
}
