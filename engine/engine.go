// Package engine implements the MCP method table behind the SSE transport
// bridge: the initialization handshake, ping, and the tools capability. It
// consumes a session's inbound channel and produces protocol messages on the
// outbound channel until the session ends.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nowmcp/servicenow-mcp-go/internal/jsonrpc"
	"github.com/nowmcp/servicenow-mcp-go/internal/logctx"
	"github.com/nowmcp/servicenow-mcp-go/mcp"
)

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)
}

// ToolProvider supplies the current tool table. Implementations may vary the
// table over time (e.g. when a tool-package filter reloads).
type ToolProvider interface {
	Tools(ctx context.Context) ([]Tool, error)
}

// ChangeNotifier is optionally implemented by a ToolProvider whose tool set
// can change. A receive on Changes signals that listings are stale; the
// engine then emits notifications/tools/list_changed to initialized
// sessions.
type ChangeNotifier interface {
	Changes() <-chan struct{}
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the usage instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// Engine owns the protocol method table. One Engine serves every session;
// per-session state lives in the run loop.
type Engine struct {
	log          *slog.Logger
	tools        ToolProvider
	info         mcp.ImplementationInfo
	instructions string
}

// New constructs an engine over the given tool provider.
func New(tools ToolProvider, opts ...Option) *Engine {
	e := &Engine{
		log:   slog.Default(),
		tools: tools,
		info:  mcp.ImplementationInfo{Name: "servicenow-mcp", Version: "0.0.0"},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = slog.New(logctx.Handler{Handler: e.log.Handler()})
	return e
}

// Capabilities returns the current tool descriptors. The session id is
// accepted so a session-scoped catalog can be introduced later; today the
// table is global.
func (e *Engine) Capabilities(ctx context.Context, sessionID string) ([]mcp.Tool, error) {
	tools, err := e.tools.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("tool provider failed: %w", err)
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Descriptor)
	}
	return out, nil
}

// sessionRun is the per-session state of one RunSession invocation.
type sessionRun struct {
	eng         *Engine
	sessionID   string
	outbound    chan<- jsonrpc.Message
	initialized bool
}

// RunSession consumes inbound messages and produces replies on outbound
// until ctx is canceled or inbound closes. Protocol faults are answered
// in-band as JSON-RPC errors; they never abort the loop.
func (e *Engine) RunSession(ctx context.Context, sessionID string, inbound <-chan jsonrpc.Message, outbound chan<- jsonrpc.Message) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	run := &sessionRun{eng: e, sessionID: sessionID, outbound: outbound}

	var changes <-chan struct{}
	if cn, ok := e.tools.(ChangeNotifier); ok {
		changes = cn.Changes()
	}

	e.log.InfoContext(ctx, "engine.session.start")
	defer e.log.InfoContext(ctx, "engine.session.end")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			if !run.initialized {
				continue
			}
			n, err := jsonrpc.NewRequest(nil, string(mcp.ToolsListChangedNotificationMethod), nil)
			if err != nil {
				continue
			}
			if err := run.send(ctx, n); err != nil {
				return err
			}
			e.log.InfoContext(ctx, "tools.list_changed.notify")
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := run.handleMessage(ctx, raw); err != nil {
				return err
			}
		}
	}
}

// send marshals a message onto the outbound channel, giving up only when the
// session context ends. The outbound queue is bounded; a client that cannot
// drain it eventually ends the session rather than grow the queue.
func (r *sessionRun) send(ctx context.Context, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	select {
	case r.outbound <- jsonrpc.Message(b):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *sessionRun) handleMessage(ctx context.Context, raw jsonrpc.Message) error {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// The transport validates framing before delivery; anything invalid
		// at this point is answered in-band and dropped.
		r.eng.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return r.send(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message", nil))
	}

	if res := msg.AsResponse(); res != nil {
		// No server-initiated requests exist on this transport yet.
		r.eng.log.InfoContext(ctx, "jsonrpc.response.ignored", slog.String("id", res.ID.String()))
		return nil
	}

	req := msg.AsRequest()
	if req.IsNotification() {
		r.handleNotification(ctx, req)
		return nil
	}
	return r.handleRequest(ctx, req)
}

func (r *sessionRun) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		r.initialized = true
		r.eng.log.InfoContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		// Requests are handled synchronously per session; by the time a
		// cancellation arrives the request it names has been answered.
		r.eng.log.InfoContext(ctx, "notification.cancelled.ignored")
	default:
		r.eng.log.InfoContext(ctx, "notification.unknown", slog.String("method", req.Method))
	}
}

func (r *sessionRun) handleRequest(ctx context.Context, req *jsonrpc.Request) error {
	res := r.dispatch(ctx, req)
	return r.send(ctx, res)
}

func (r *sessionRun) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return r.handleInitialize(ctx, req)
	case mcp.PingMethod:
		res, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return res
	case mcp.ToolsListMethod:
		return r.handleListTools(ctx, req)
	case mcp.ToolsCallMethod:
		return r.handleCallTool(ctx, req)
	default:
		r.eng.log.InfoContext(ctx, "rpc.method.unknown", slog.String("method", req.Method))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (r *sessionRun) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	result := mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(initReq.ProtocolVersion),
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
		},
		ServerInfo:   r.eng.info,
		Instructions: r.eng.instructions,
	}

	r.eng.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", initReq.ClientInfo.Name),
		slog.String("protocol_version", result.ProtocolVersion))

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func (r *sessionRun) handleListTools(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	descriptors, err := r.eng.Capabilities(ctx, r.sessionID)
	if err != nil {
		r.eng.log.ErrorContext(ctx, "tools.list.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("failed to list tools: %v", err), nil)
	}
	res, err := jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: descriptors})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	r.eng.log.InfoContext(ctx, "tools.list.ok", slog.Int("count", len(descriptors)))
	return res
}

func (r *sessionRun) handleCallTool(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var call mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}
	if call.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tool name is required", nil)
	}

	ctx = logctx.WithToolData(ctx, &logctx.ToolData{ToolName: call.Name})

	tools, err := r.eng.tools.Tools(ctx)
	if err != nil {
		r.eng.log.ErrorContext(ctx, "tools.call.provider.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("tool provider failed: %v", err), nil)
	}

	for _, t := range tools {
		if t.Descriptor.Name != call.Name {
			continue
		}
		result, err := t.Handler(ctx, call.Arguments)
		if err != nil {
			// Handler faults become in-band tool errors so the client sees
			// a structured failure rather than a broken session.
			r.eng.log.ErrorContext(ctx, "tools.call.fail", slog.String("err", err.Error()))
			result = &mcp.CallToolResult{
				Content: []mcp.ContentBlock{mcp.TextContent(err.Error())},
				IsError: true,
			}
		}
		res, mErr := jsonrpc.NewResultResponse(req.ID, result)
		if mErr != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		r.eng.log.InfoContext(ctx, "tools.call.ok", slog.Bool("is_error", result.IsError))
		return res
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", call.Name), nil)
}
