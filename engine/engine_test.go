package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nowmcp/servicenow-mcp-go/engine"
	"github.com/nowmcp/servicenow-mcp-go/internal/jsonrpc"
	"github.com/nowmcp/servicenow-mcp-go/mcp"
)

// stubProvider is a fixed tool table with an optional change channel.
type stubProvider struct {
	tools   []engine.Tool
	err     error
	changes chan struct{}
}

func (p *stubProvider) Tools(ctx context.Context) ([]engine.Tool, error) {
	return p.tools, p.err
}

func (p *stubProvider) Changes() <-chan struct{} { return p.changes }

func echoTool(name string) engine.Tool {
	return engine.Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Description: "echoes its arguments",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(string(args))}}, nil
		},
	}
}

// harness runs one engine session over channel pairs the way the transport
// does.
type harness struct {
	inbound  chan jsonrpc.Message
	outbound chan jsonrpc.Message
}

func startSession(t *testing.T, e *engine.Engine) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		inbound:  make(chan jsonrpc.Message, 8),
		outbound: make(chan jsonrpc.Message, 8),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.RunSession(ctx, "test-session", h.inbound, h.outbound)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop on cancellation")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, raw string) {
	t.Helper()
	select {
	case h.inbound <- jsonrpc.Message(raw):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out sending inbound message")
	}
}

// reply is the decoded shape of one outbound message.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *harness) recv(t *testing.T) reply {
	t.Helper()
	select {
	case raw := <-h.outbound:
		var r reply
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("outbound message is not valid JSON: %v\n%s", err, raw)
		}
		if r.JSONRPC != jsonrpc.ProtocolVersion {
			t.Fatalf("outbound message version: want %q got %q", jsonrpc.ProtocolVersion, r.JSONRPC)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return reply{}
	}
}

func TestInitializeHandshake(t *testing.T) {
	e := engine.New(&stubProvider{},
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "9.9.9"}),
		engine.WithInstructions("use the tools"),
	)
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test-client","version":"0.1"}}}`)
	r := h.recv(t)
	if r.Error != nil {
		t.Fatalf("initialize failed: %+v", r.Error)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		t.Fatalf("failed to decode initialize result: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Fatalf("negotiated version: want 2025-03-26 got %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "test-server" || result.ServerInfo.Version != "9.9.9" {
		t.Fatalf("unexpected server info: %+v", result.ServerInfo)
	}
	if result.Capabilities.Tools == nil || !result.Capabilities.Tools.ListChanged {
		t.Fatal("tools capability must advertise listChanged")
	}
	if result.Instructions != "use the tools" {
		t.Fatalf("instructions: want %q got %q", "use the tools", result.Instructions)
	}
}

func TestInitializeUnsupportedVersionFallsBack(t *testing.T) {
	e := engine.New(&stubProvider{})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	r := h.recv(t)

	var result mcp.InitializeResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		t.Fatalf("failed to decode initialize result: %v", err)
	}
	if result.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated version: want %q got %q", mcp.LatestProtocolVersion, result.ProtocolVersion)
	}
}

func TestPing(t *testing.T) {
	e := engine.New(&stubProvider{})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`)
	r := h.recv(t)
	if r.Error != nil {
		t.Fatalf("ping failed: %+v", r.Error)
	}
	if r.ID != "p1" {
		t.Fatalf("ping response id: want p1 got %v", r.ID)
	}
}

func TestListTools(t *testing.T) {
	e := engine.New(&stubProvider{tools: []engine.Tool{echoTool("alpha"), echoTool("beta")}})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	r := h.recv(t)
	if r.Error != nil {
		t.Fatalf("tools/list failed: %+v", r.Error)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		t.Fatalf("failed to decode tools/list result: %v", err)
	}
	if len(result.Tools) != 2 || result.Tools[0].Name != "alpha" || result.Tools[1].Name != "beta" {
		t.Fatalf("unexpected tool table: %+v", result.Tools)
	}
}

func TestListToolsProviderFailure(t *testing.T) {
	e := engine.New(&stubProvider{err: fmt.Errorf("backing store down")})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	r := h.recv(t)
	if r.Error == nil {
		t.Fatal("expected a JSON-RPC error")
	}
	if r.Error.Code != int(jsonrpc.ErrorCodeInternalError) {
		t.Fatalf("error code: want %d got %d", jsonrpc.ErrorCodeInternalError, r.Error.Code)
	}
}

func TestCallTool(t *testing.T) {
	e := engine.New(&stubProvider{tools: []engine.Tool{echoTool("echo")}})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	r := h.recv(t)
	if r.Error != nil {
		t.Fatalf("tools/call failed: %+v", r.Error)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		t.Fatalf("failed to decode call result: %v", err)
	}
	if result.IsError {
		t.Fatal("call unexpectedly reported an error")
	}
	if len(result.Content) != 1 || result.Content[0].Text != `{"x":1}` {
		t.Fatalf("unexpected call content: %+v", result.Content)
	}
}

func TestCallToolHandlerFaultIsInBand(t *testing.T) {
	failing := engine.Tool{
		Descriptor: mcp.Tool{Name: "boom", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Handler: func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
			return nil, fmt.Errorf("instance unreachable")
		},
	}
	e := engine.New(&stubProvider{tools: []engine.Tool{failing}})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"boom"}}`)
	r := h.recv(t)
	// The fault arrives as a tool result with isError, not a protocol error.
	if r.Error != nil {
		t.Fatalf("handler fault escaped as JSON-RPC error: %+v", r.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		t.Fatalf("failed to decode call result: %v", err)
	}
	if !result.IsError {
		t.Fatal("handler fault must set isError")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "instance unreachable" {
		t.Fatalf("unexpected fault content: %+v", result.Content)
	}
}

func TestCallUnknownTool(t *testing.T) {
	e := engine.New(&stubProvider{tools: []engine.Tool{echoTool("echo")}})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nope"}}`)
	r := h.recv(t)
	if r.Error == nil || r.Error.Code != int(jsonrpc.ErrorCodeInvalidParams) {
		t.Fatalf("unknown tool: want invalid-params error, got %+v", r.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	e := engine.New(&stubProvider{})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	r := h.recv(t)
	if r.Error == nil || r.Error.Code != int(jsonrpc.ErrorCodeMethodNotFound) {
		t.Fatalf("unknown method: want method-not-found error, got %+v", r.Error)
	}
}

func TestResponsesAreIgnored(t *testing.T) {
	e := engine.New(&stubProvider{})
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":8,"result":{}}`)
	h.send(t, `{"jsonrpc":"2.0","id":"after","method":"ping"}`)

	// Only the ping produces output; the stray response is dropped.
	r := h.recv(t)
	if r.ID != "after" {
		t.Fatalf("first outbound message should answer the ping, got id %v", r.ID)
	}
}

func TestListChangedBeforeInitializedIsSilent(t *testing.T) {
	p := &stubProvider{changes: make(chan struct{}, 1)}
	e := engine.New(p)
	h := startSession(t, e)

	p.changes <- struct{}{}
	h.send(t, `{"jsonrpc":"2.0","id":"only","method":"ping"}`)

	// The uninitialized session swallows the change; the only output is the
	// ping response.
	if r := h.recv(t); r.ID != "only" {
		t.Fatalf("expected ping response, got %+v", r)
	}
	select {
	case raw := <-h.outbound:
		t.Fatalf("unexpected outbound message: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListChangedNotification(t *testing.T) {
	p := &stubProvider{changes: make(chan struct{}, 1)}
	e := engine.New(p)
	h := startSession(t, e)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	_ = h.recv(t)
	h.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	// Order the initialized notification before the change signal.
	h.send(t, `{"jsonrpc":"2.0","id":"sync","method":"ping"}`)
	if r := h.recv(t); r.ID != "sync" {
		t.Fatalf("expected ping response, got %+v", r)
	}

	p.changes <- struct{}{}
	n := h.recv(t)
	if n.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("notification method: want %q got %q", mcp.ToolsListChangedNotificationMethod, n.Method)
	}
	if n.ID != nil {
		t.Fatalf("list_changed must be a notification, got id %v", n.ID)
	}
}
