package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/basket/querygate/internal/execution"
	"github.com/basket/querygate/internal/reattach"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
	ErrCodeCancelled      = -32800

	// Stable app error taxonomy.
	ErrCodeInvalid            = 1000
	ErrCodeCheckpointNotFound = 4001
	ErrCodeOperationNotFound  = 4040
	ErrCodeSessionNotFound    = 4041
	ErrCodeQueryNotFound      = 4042
	ErrCodeNotReattachable    = 4090
	ErrCodeReleased           = 4100
)

// rpcErrorFor maps a domain error onto the app error taxonomy.
func rpcErrorFor(err error) *rpcError {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, reattach.ErrOperationNotFound):
		code = ErrCodeOperationNotFound
	case errors.Is(err, reattach.ErrNotReattachable):
		code = ErrCodeNotReattachable
	case errors.Is(err, execution.ErrSessionNotFound):
		code = ErrCodeSessionNotFound
	case errors.Is(err, execution.ErrCheckpointNotFound):
		code = ErrCodeCheckpointNotFound
	case errors.Is(err, execution.ErrReleased), errors.Is(err, execution.ErrSessionClosed):
		code = ErrCodeReleased
	case errors.Is(err, execution.ErrInvalidSessionID), errors.Is(err, execution.ErrInvalidUserID):
		code = ErrCodeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeCancelled
	}
	return &rpcError{Code: code, Message: err.Error()}
}

// httpStatusFor maps an app error code onto an HTTP status.
func httpStatusFor(code int) int {
	switch code {
	case ErrCodeOperationNotFound, ErrCodeSessionNotFound, ErrCodeQueryNotFound:
		return http.StatusNotFound
	case ErrCodeNotReattachable:
		return http.StatusConflict
	case ErrCodeCheckpointNotFound, ErrCodeInvalid:
		return http.StatusBadRequest
	case ErrCodeReleased:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
