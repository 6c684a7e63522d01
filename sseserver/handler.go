package sseserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nowmcp/servicenow-mcp-go/internal/jsonrpc"
	"github.com/nowmcp/servicenow-mcp-go/internal/logctx"
	"github.com/nowmcp/servicenow-mcp-go/internal/metrics"
	"github.com/nowmcp/servicenow-mcp-go/mcp"
)

var _ http.Handler = (*Handler)(nil)

// Default paths of the two transport legs.
const (
	DefaultSSEPath      = "/sse"
	DefaultMessagesPath = "/messages/"
)

const (
	sessionIDParam = "session_id"

	endpointEventName = "endpoint"
	messageEventName  = "message"

	// maxMessageBytes bounds a single delivered protocol message.
	maxMessageBytes = 4 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Engine is the RPC engine collaborator the bridge drives. The bridge never
// looks inside protocol messages beyond JSON-RPC framing; the engine owns
// the method table.
//
// RunSession must consume inbound until ctx is done and must stop promptly
// on cancellation. Capabilities may be called concurrently with running
// sessions.
type Engine interface {
	Capabilities(ctx context.Context, sessionID string) ([]mcp.Tool, error)
	RunSession(ctx context.Context, sessionID string, inbound <-chan jsonrpc.Message, outbound chan<- jsonrpc.Message) error
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger          *slog.Logger
	registry        *Registry
	authenticator   Authenticator
	metricsRegistry prometheus.Registerer
	ssePath         string
	messagesPath    string
	deliveryWait    time.Duration
	debug           bool
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRegistry injects the session registry. Tests use this to run multiple
// independent handlers against separate registries.
func WithRegistry(r *Registry) Option {
	return func(c *newConfig) { c.registry = r }
}

// WithAuthenticator protects all transport endpoints with the given
// authenticator.
func WithAuthenticator(a Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithMetricsRegisterer registers the bridge's Prometheus metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *newConfig) { c.metricsRegistry = reg }
}

// WithPaths overrides the stream-open and shared delivery paths.
func WithPaths(ssePath, messagesPath string) Option {
	return func(c *newConfig) {
		c.ssePath = ssePath
		c.messagesPath = messagesPath
	}
}

// WithDeliveryWait bounds how long a POST delivery blocks on a full inbound
// queue before failing with a retryable backpressure error.
func WithDeliveryWait(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.deliveryWait = d
		}
	}
}

// WithDebug includes underlying error detail in error response bodies.
// Leave off in production.
func WithDebug(debug bool) Option {
	return func(c *newConfig) { c.debug = debug }
}

// Handler bridges the MCP protocol onto the legacy HTTP+SSE transport pair.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	registry     *Registry
	eng          Engine
	auth         Authenticator
	metrics      *metrics.Metrics
	ssePath      string
	messagesPath string
	deliveryWait time.Duration
	debug        bool
}

// New constructs the transport handler around the given engine.
func New(eng Engine, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		ssePath:      DefaultSSEPath,
		messagesPath: DefaultMessagesPath,
		deliveryWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.ssePath, "/") || !strings.HasPrefix(cfg.messagesPath, "/") {
		return nil, fmt.Errorf("endpoint paths must be absolute, got %q and %q", cfg.ssePath, cfg.messagesPath)
	}
	if cfg.registry == nil {
		cfg.registry = NewRegistry()
	}
	if cfg.metricsRegistry == nil {
		cfg.metricsRegistry = prometheus.NewRegistry()
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry:     cfg.registry,
		eng:          eng,
		auth:         cfg.authenticator,
		metrics:      metrics.New(cfg.metricsRegistry),
		ssePath:      cfg.ssePath,
		messagesPath: cfg.messagesPath,
		deliveryWait: cfg.deliveryWait,
		debug:        cfg.debug,
	}

	// Method-keyed patterns resolve the shared path's two operations before
	// any shared logic runs. The method-less pattern catches everything else
	// so rejected methods still get a structured body naming the method.
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", h.ssePath), h.handleOpenStream)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.messagesPath), h.handleListCapabilities)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.messagesPath), h.handleDeliverMessage)
	mux.HandleFunc(h.messagesPath, h.handleMethodNotAllowed)
	h.mux = mux
	return h, nil
}

// Registry exposes the handler's session registry, mostly for tests and
// operational introspection.
func (h *Handler) Registry() *Registry { return h.registry }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeError emits the structured transport error body:
//
//	{"error":{"kind":"...","code":<status>,"message":"..."}}
//
// Underlying error detail is appended only in debug mode.
func (h *Handler) writeError(w http.ResponseWriter, status int, kind ErrorKind, msg string, err error) {
	if h.debug && err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"kind": kind, "code": status, "message": msg},
	})
}

func (h *Handler) checkAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if h.auth == nil {
		return true
	}
	if err := h.auth.CheckAuthentication(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

// handleOpenStream handles GET on the stream-open path. It mints a session,
// announces the delivery endpoint as the first SSE event, runs the engine
// against the session's channel pair, and pumps the outbound queue onto the
// stream until the connection or the engine ends.
func (h *Handler) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "sse.open.start")

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			h.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if !h.checkAuthentication(ctx, w, r) {
		return
	}

	sess := h.registry.Create()
	h.metrics.ActiveSessions.Inc()
	h.metrics.SessionsTotal.Inc()
	defer func() {
		h.registry.Remove(sess.ID())
		h.metrics.ActiveSessions.Dec()
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(SessionStateOpen)})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &streamWriter{w: w, f: f, ctx: ctx}

	// First event: where to deliver, and under which session id.
	endpoint := fmt.Sprintf("%s?%s=%s", h.messagesPath, sessionIDParam, sess.ID())
	if err := writeSSEEvent(sw, endpointEventName, []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	runCtx, cancel := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- h.eng.RunSession(runCtx, sess.ID(), sess.inbound, sess.outbound)
	}()
	engineFinished := false
	defer func() {
		sess.beginClose()
		cancel()
		if !engineFinished {
			<-engineDone
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.client.disconnect")
			return
		case err := <-engineDone:
			engineFinished = true
			if err != nil && !errors.Is(err, context.Canceled) {
				h.log.ErrorContext(ctx, "engine.run.fail", slog.String("err", err.Error()))
			} else {
				h.log.InfoContext(ctx, "engine.run.done")
			}
			// Flush whatever the engine queued before it returned, then
			// tear down.
			for {
				select {
				case msg := <-sess.outbound:
					if err := writeSSEEvent(sw, messageEventName, msg); err != nil {
						return
					}
					h.metrics.MessagesStreamed.Inc()
				default:
					return
				}
			}
		case msg := <-sess.outbound:
			if err := writeSSEEvent(sw, messageEventName, msg); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.metrics.MessagesStreamed.Inc()
		}
	}
}

// handleListCapabilities handles GET on the shared delivery path: the
// read-only capability listing. The session id is required before any lookup
// happens; the listing itself confirms the caller holds a live session and
// then passes the engine's capability table through verbatim.
func (h *Handler) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, w, r) {
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "unauthorized").Inc()
		return
	}

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		h.writeError(w, http.StatusBadRequest, ErrorKindMissingParameter, "session_id is required", nil)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "missing_parameter").Inc()
		h.log.WarnContext(ctx, "dispatch.session_id.missing")
		return
	}

	sess, err := h.registry.Lookup(sessID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, ErrorKindSessionNotFound, "unknown or closed session", nil)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "session_not_found").Inc()
		h.log.InfoContext(ctx, "session.lookup.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	tools, err := h.eng.Capabilities(ctx, sess.ID())
	if err != nil {
		// The listing failure deliberately carries the collaborator's
		// message; the fault must never escape as an unhandled error.
		h.writeError(w, http.StatusInternalServerError, ErrorKindListingFailed, fmt.Sprintf("failed to list tools: %v", err), nil)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "listing_failed").Inc()
		h.log.ErrorContext(ctx, "capabilities.list.fail", slog.String("err", err.Error()))
		return
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(tools); err != nil {
		h.log.ErrorContext(ctx, "capabilities.encode.fail", slog.String("err", err.Error()))
		return
	}
	h.metrics.DispatchTotal.WithLabelValues(r.Method, "ok").Inc()
	h.log.InfoContext(ctx, "capabilities.list.ok",
		slog.Int("count", len(tools)),
		slog.Duration("dur", time.Since(start)))
}

// handleDeliverMessage handles POST on the shared delivery path: one parsed
// protocol message handed to the identified session's inbound queue.
func (h *Handler) handleDeliverMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, w, r) {
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "unauthorized").Inc()
		return
	}

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		h.writeError(w, http.StatusBadRequest, ErrorKindMissingParameter, "session_id is required", nil)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "missing_parameter").Inc()
		h.log.WarnContext(ctx, "dispatch.session_id.missing")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, err := contenttype.GetMediaType(r)
		if err != nil || !mt.Matches(jsonMediaType) {
			h.writeError(w, http.StatusUnsupportedMediaType, ErrorKindBadRequest, "content-type must be application/json", err)
			h.metrics.DispatchTotal.WithLabelValues(r.Method, "bad_request").Inc()
			return
		}
	}

	sess, err := h.registry.Lookup(sessID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, ErrorKindSessionNotFound, "unknown or closed session", nil)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "session_not_found").Inc()
		h.log.InfoContext(ctx, "session.lookup.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorKindBadRequest, "failed to read message body", err)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "bad_request").Inc()
		return
	}
	trimmed := strings.TrimLeftFunc(string(body), func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' })
	if strings.HasPrefix(trimmed, "[") {
		h.writeError(w, http.StatusBadRequest, ErrorKindBadRequest, "JSON-RPC batch arrays are not supported on this transport", nil)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "bad_request").Inc()
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorKindBadRequest, "invalid JSON-RPC message", err)
		h.metrics.DispatchTotal.WithLabelValues(r.Method, "bad_request").Inc()
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	if err := sess.Deliver(ctx, jsonrpc.Message(body), h.deliveryWait); err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			h.writeError(w, http.StatusNotFound, ErrorKindSessionNotFound, "unknown or closed session", nil)
			h.metrics.DispatchTotal.WithLabelValues(r.Method, "session_not_found").Inc()
			h.log.InfoContext(ctx, "message.deliver.closed")
		case errors.Is(err, ErrBackpressure):
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusServiceUnavailable, ErrorKindBackpressure, "session inbound queue is full, retry later", nil)
			h.metrics.DispatchTotal.WithLabelValues(r.Method, "backpressure").Inc()
			h.metrics.BackpressureTotal.Inc()
			h.log.WarnContext(ctx, "message.deliver.backpressure")
		default:
			// Client went away mid-delivery; nothing useful to write.
			h.log.InfoContext(ctx, "message.deliver.abort", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.metrics.DispatchTotal.WithLabelValues(r.Method, "ok").Inc()
	h.metrics.MessagesDelivered.Inc()
	h.log.InfoContext(ctx, "message.deliver.ok",
		slog.String("rpc_method", msg.Method),
		slog.String("rpc_type", msg.Type()),
		slog.Duration("dur", time.Since(start)))
}

// handleMethodNotAllowed rejects any other method on the shared path,
// naming the rejected method in the structured body.
func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, POST")
	h.writeError(w, http.StatusMethodNotAllowed, ErrorKindMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method), nil)
	h.metrics.DispatchTotal.WithLabelValues(r.Method, "method_not_allowed").Inc()
	h.log.WarnContext(r.Context(), "dispatch.method.rejected", slog.String("method", r.Method))
}

// streamWriter serializes writes to one SSE stream and refuses writes after
// the request context ends. The pump goroutine is the stream's only writer.
type streamWriter struct {
	w   io.Writer
	f   http.Flusher
	ctx context.Context
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	return s.w.Write(p)
}

func (s *streamWriter) Flush() {
	if s.ctx.Err() != nil {
		return
	}
	s.f.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(sw *streamWriter, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(sw, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := sw.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := sw.Write(data); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := sw.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	sw.Flush()
	return nil
}
