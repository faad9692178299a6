package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/querygate/internal/execution"
	"github.com/basket/querygate/internal/reattach"
	"github.com/basket/querygate/internal/shared"
)

// streamSSEEvent is the data payload of one SSE response event.
type streamSSEEvent struct {
	OperationID string          `json:"operation_id"`
	ResponseID  string          `json:"response_id"`
	Index       int64           `json:"index"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Final       bool            `json:"final"`
}

func writeJSONError(w http.ResponseWriter, e *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(e.Code))
	_ = json.NewEncoder(w).Encode(map[string]any{"code": e.Code, "error": e.Message})
}

// handleExecutionStream implements
// GET /api/v1/execution/stream?user_id=&session_id=&operation_id=.
// It reattaches to the execution and streams its responses as SSE events whose
// id is the response id, so a reconnecting EventSource resumes after the last
// event it saw via Last-Event-ID.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	req := reattach.Request{
		UserID:         q.Get("user_id"),
		SessionID:      q.Get("session_id"),
		OperationID:    q.Get("operation_id"),
		LastResponseID: r.Header.Get("Last-Event-ID"),
	}
	if req.LastResponseID == "" {
		req.LastResponseID = q.Get("last_response_id")
	}
	if req.UserID == "" || req.SessionID == "" || req.OperationID == "" {
		writeJSONError(w, &rpcError{Code: ErrCodeInvalid, Message: "user_id, session_id and operation_id are required"})
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	if err := s.cfg.Reattach.Check(ctx, req); err != nil {
		writeJSONError(w, rpcErrorFor(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var delivered int64
	var lastID string
	sink := execution.SinkFunc(func(_ context.Context, resp execution.Response) error {
		data, err := json.Marshal(streamSSEEvent{
			OperationID: resp.OperationID,
			ResponseID:  resp.ID,
			Index:       resp.Index,
			Payload:     resp.Payload,
			Final:       resp.Final,
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: response\ndata: %s\n\n", resp.ID, data); err != nil {
			return err
		}
		flusher.Flush()
		delivered++
		lastID = resp.ID
		return nil
	})

	err := s.cfg.Reattach.Handle(ctx, req, sink)
	if r.Context().Err() != nil {
		s.logger.Debug("sse: client disconnected", "operation_id", req.OperationID)
		return
	}

	var event string
	var data []byte
	if err != nil {
		e := rpcErrorFor(err)
		event = "error"
		data, _ = json.Marshal(map[string]any{"code": e.Code, "error": e.Message})
	} else {
		event = "done"
		data, _ = json.Marshal(map[string]any{"delivered": delivered, "last_response_id": lastID})
	}
	if _, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); werr != nil {
		s.logger.Debug("sse: write failed", "operation_id", req.OperationID, "error", werr)
		return
	}
	flusher.Flush()
}
