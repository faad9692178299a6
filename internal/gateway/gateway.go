package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/querygate/internal/audit"
	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/config"
	"github.com/basket/querygate/internal/execution"
	"github.com/basket/querygate/internal/otel"
	"github.com/basket/querygate/internal/persistence"
	"github.com/basket/querygate/internal/querycache"
	"github.com/basket/querygate/internal/reattach"
	"github.com/basket/querygate/internal/shared"
)

type Config struct {
	Store    *persistence.Store
	Manager  *execution.Manager
	Reattach *reattach.Coordinator
	Queries  *querycache.Cache
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config reported by system.hello.
	ConfigFingerprint string

	RateLimit config.RateLimitConfig

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	params  *paramValidator
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	// Reattach streams running for this connection, keyed by request id.
	streamsMu sync.Mutex
	streams   map[string]context.CancelFunc
	streamsWG sync.WaitGroup
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("querygate/gateway")
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		params:  newParamValidator(),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		clients: map[*client]struct{}{},
	}
}

// Limiter exposes the rate limiter so the daemon can run its stale-entry
// eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/v1/execution/stream", s.handleExecutionStream)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.timed(h)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) timed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/ws" {
			s.cfg.Metrics.RecordRequest(r.Context(), r.URL.Path, time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.Counts(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counts, _ := s.cfg.Store.Counts(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	cached := 0
	if s.cfg.Queries != nil {
		cached = s.cfg.Queries.Len()
	}
	payload := map[string]any{
		"sessions":           s.cfg.Manager.SessionCount(),
		"executions":         counts.Executions,
		"running_executions": counts.Running,
		"buffered_responses": counts.Responses,
		"cached_queries":     cached,
		"ws_clients":         s.ClientCount(),
		"audit_denies":       audit.DenyCount(),
		"alloc_bytes":        mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, streams: map[string]context.CancelFunc{}}
	s.addClient(c)
	s.logger.Info("ws: client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.streamsWG.Wait()
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if req.Method != "system.hello" && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required first"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "rpc "+req.Method, otel.AttrRPCMethod.String(req.Method))
	start := time.Now()

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":           "querygate",
			"version":            "1.0",
			"config_fingerprint": s.cfg.ConfigFingerprint,
		}
	case "session.open":
		var p sessionParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		if _, err := s.cfg.Manager.GetOrCreateSession(ctx, p.UserID, p.SessionID); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = map[string]any{"user_id": p.UserID, "session_id": p.SessionID}
	case "session.close":
		var p sessionParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		if err := s.cfg.Manager.CloseSession(ctx, p.UserID, p.SessionID, execution.CloseReasonClosed); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		audit.Record(ctx, "session.close", audit.DecisionAllow, "client request", p.UserID+"/"+p.SessionID)
		result = map[string]any{"closed": true}
	case "execution.reattach":
		var p reattachParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		if !hasID {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "execution.reattach requires a request id"}
			break
		}
		if err := s.startReattach(ctx, c, id, requestKey(id), p); err != nil {
			rpcErr = err
			break
		}
		// Answered when the stream ends.
		otel.EndSpan(span, nil)
		return nil
	case "execution.cancel":
		var p cancelParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		reqID, ok := decodeID(p.RequestID)
		if !ok {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params: request_id"}
			break
		}
		result = map[string]any{"cancelled": c.cancelStream(requestKey(reqID))}
	case "execution.release":
		var p operationParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		sess, err := s.cfg.Manager.Session(ctx, p.UserID, p.SessionID)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		if err := sess.ReleaseExecution(ctx, p.OperationID); err != nil {
			if errors.Is(err, execution.ErrExecutionNotFound) {
				err = &reattach.OperationNotFoundError{OperationID: p.OperationID}
			}
			rpcErr = rpcErrorFor(err)
			break
		}
		result = map[string]any{"released": true}
	case "query.lookup":
		var p queryParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		if s.cfg.Queries == nil {
			rpcErr = &rpcError{Code: ErrCodeQueryNotFound, Message: "query not found"}
			break
		}
		owner := querycache.Owner{UserID: p.UserID, SessionID: p.SessionID}
		if _, ok := s.cfg.Queries.Query(p.QueryID, p.RunID, owner); !ok {
			rpcErr = &rpcError{Code: ErrCodeQueryNotFound, Message: "query not found"}
			break
		}
		entry, ok := s.cfg.Queries.Entry(p.QueryID, p.RunID)
		if !ok {
			rpcErr = &rpcError{Code: ErrCodeQueryNotFound, Message: "query not found"}
			break
		}
		result = queryView(entry)
	case "query.list":
		var p sessionParams
		if rpcErr = s.params.decode(req.Method, req.Params, &p); rpcErr != nil {
			break
		}
		views := []map[string]any{}
		if s.cfg.Queries != nil {
			for _, e := range s.cfg.Queries.List(querycache.Owner{UserID: p.UserID, SessionID: p.SessionID}) {
				views = append(views, queryView(e))
			}
		}
		result = map[string]any{"queries": views}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}

	var spanErr error
	if rpcErr != nil {
		spanErr = errors.New(rpcErr.Message)
	}
	otel.EndSpan(span, spanErr)
	s.cfg.Metrics.RecordRequest(ctx, req.Method, time.Since(start).Seconds())

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// startReattach runs the reattach off the read loop. Responses are pushed as
// execution.response notifications and the request is answered when the
// stream ends.
func (s *Server) startReattach(ctx context.Context, c *client, id any, key string, p reattachParams) *rpcError {
	streamCtx, cancel := context.WithCancel(ctx)
	if !c.addStream(key, cancel) {
		cancel()
		return &rpcError{Code: ErrCodeInvalid, Message: "request id already in use"}
	}

	c.streamsWG.Add(1)
	go func() {
		defer c.streamsWG.Done()
		defer c.removeStream(key)
		defer cancel()

		var delivered int64
		var lastID string
		sink := execution.SinkFunc(func(sctx context.Context, resp execution.Response) error {
			err := c.write(sctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "execution.response",
				Params: map[string]any{
					"request_id":   id,
					"operation_id": resp.OperationID,
					"response_id":  resp.ID,
					"index":        resp.Index,
					"payload":      resp.Payload,
					"final":        resp.Final,
				},
			})
			if err == nil {
				delivered++
				lastID = resp.ID
			}
			return err
		})

		err := s.cfg.Reattach.Handle(streamCtx, reattach.Request{
			UserID:         p.UserID,
			SessionID:      p.SessionID,
			OperationID:    p.OperationID,
			LastResponseID: p.LastResponseID,
		}, sink)

		resp := rpcResponse{JSONRPC: "2.0", ID: id}
		if err != nil {
			resp.Error = rpcErrorFor(err)
		} else {
			resp.Result = map[string]any{
				"operation_id":     p.OperationID,
				"delivered":        delivered,
				"last_response_id": lastID,
			}
		}
		if ctx.Err() != nil {
			return
		}
		if werr := c.write(ctx, resp); werr != nil {
			s.logger.Warn("ws: write reattach result", "operation_id", p.OperationID, "error", werr)
		}
	}()
	return nil
}

func queryView(e querycache.Entry) map[string]any {
	view := map[string]any{
		"query_id":   e.Key.QueryID,
		"run_id":     e.Key.RunID,
		"user_id":    e.Owner.UserID,
		"session_id": e.Owner.SessionID,
		"active":     e.ExpiresAt == nil,
	}
	if e.ExpiresAt != nil {
		view["expires_at"] = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return view
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// requestKey normalizes a decoded JSON-RPC id so 7 and 7.0 or differently
// spaced strings name the same stream.
func requestKey(id any) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func (c *client) addStream(key string, cancel context.CancelFunc) bool {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if _, exists := c.streams[key]; exists {
		return false
	}
	c.streams[key] = cancel
	return true
}

func (c *client) removeStream(key string) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	delete(c.streams, key)
}

func (c *client) cancelStream(key string) bool {
	c.streamsMu.Lock()
	cancel, ok := c.streams[key]
	c.streamsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
