package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageUnmarshal(t *testing.T) {
	valid := map[string]string{
		"request":        `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		"notification":   `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		"result":         `{"jsonrpc":"2.0","id":1,"result":{}}`,
		"error response": `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`,
	}
	for name, raw := range valid {
		t.Run("valid/"+name, func(t *testing.T) {
			var m AnyMessage
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
		})
	}

	invalid := map[string]string{
		"missing version":        `{"id":1,"method":"ping"}`,
		"wrong version":          `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		"request with result":    `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		"response with both":     `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"response with neither":  `{"jsonrpc":"2.0","id":1}`,
		"non string-or-number id": `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`,
	}
	for name, raw := range invalid {
		t.Run("invalid/"+name, func(t *testing.T) {
			var m AnyMessage
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestAnyMessageType(t *testing.T) {
	cases := map[string]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`:     "request",
		`{"jsonrpc":"2.0","method":"notifications/x"}`: "notification",
		`{"jsonrpc":"2.0","id":1,"result":{}}`:         "response",
	}
	for raw, want := range cases {
		var m AnyMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if got := m.Type(); got != want {
			t.Errorf("Type(%s): want %q got %q", raw, want, got)
		}
	}
}

func TestAnyMessageNarrowing(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if m.AsResponse() != nil {
		t.Fatal("request must not narrow to a response")
	}
	req := m.AsRequest()
	if req == nil || req.Method != "tools/list" || req.IsNotification() {
		t.Fatalf("unexpected request: %+v", req)
	}

	var res AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`), &res); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if res.AsRequest() != nil {
		t.Fatal("response must not narrow to a request")
	}
	if res.AsResponse() == nil {
		t.Fatal("response narrowing failed")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := map[string]string{
		"string":     `"abc"`,
		"integer":    `42`,
		"large int":  `1755900000000`,
		"fractional": `1.5`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var id RequestID
			if err := json.Unmarshal([]byte(raw), &id); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			out, err := json.Marshal(&id)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(out) != raw {
				t.Fatalf("round trip: want %s got %s", raw, out)
			}
		})
	}
}

func TestRequestIDNil(t *testing.T) {
	var id *RequestID
	if !id.IsNil() {
		t.Fatal("nil pointer must be nil")
	}
	if id.String() != "" {
		t.Fatal("nil id must stringify empty")
	}

	out, err := json.Marshal(&RequestID{})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != "null" {
		t.Fatalf("empty id: want null got %s", out)
	}
}

func TestRequestIDRejectsObjects(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`{"a":1}`), &id); err == nil {
		t.Fatal("expected an error")
	}
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(NewRequestID(1), "tools/call", map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m AnyMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("built request does not re-parse: %v", err)
	}
	if m.Type() != "request" || m.Method != "tools/call" {
		t.Fatalf("unexpected message: %+v", m)
	}

	// Without an id it is a notification.
	n, err := NewRequest(nil, "notifications/x", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if !n.IsNotification() {
		t.Fatal("id-less request must be a notification")
	}
}

func TestErrorResponse(t *testing.T) {
	res := NewErrorResponse(NewRequestID("r1"), ErrorCodeMethodNotFound, "method not found: x", nil)
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m AnyMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("built response does not re-parse: %v", err)
	}
	if m.Error == nil || m.Error.Code != ErrorCodeMethodNotFound {
		t.Fatalf("unexpected error: %+v", m.Error)
	}
}
