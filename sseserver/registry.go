package sseserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nowmcp/servicenow-mcp-go/internal/jsonrpc"
)

// SessionState tracks a session through its lifecycle. The stream handler is
// the only writer of a session's state.
type SessionState string

const (
	SessionStateOpen    SessionState = "open"
	SessionStateClosing SessionState = "closing"
	SessionStateClosed  SessionState = "closed"
)

// Session is a correlated pair of inbound/outbound message channels bound to
// one live SSE connection. The registry owns the record; the channels are
// owned by the session for its whole lifetime and are never handed off.
type Session struct {
	id       string
	inbound  chan jsonrpc.Message
	outbound chan jsonrpc.Message
	done     chan struct{}

	mu    sync.Mutex
	state SessionState
}

// ID returns the server-minted session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches the Closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver enqueues one client message onto the session's inbound queue. It
// waits up to wait for queue space; past that the delivery fails with
// ErrBackpressure rather than grow the queue without bound. Delivering to a
// closed session fails with ErrSessionNotFound, never silently.
func (s *Session) Deliver(ctx context.Context, msg jsonrpc.Message, wait time.Duration) error {
	if s.State() == SessionStateClosed {
		return ErrSessionNotFound
	}

	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrBackpressure
	}
}

// beginClose moves an open session to Closing. Idempotent.
func (s *Session) beginClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStateOpen {
		s.state = SessionStateClosing
	}
}

// finishClose moves the session to Closed and releases anyone blocked on the
// session. Idempotent.
func (s *Session) finishClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStateClosed {
		s.state = SessionStateClosed
		close(s.done)
	}
}

// Registry tracks live sessions. All operations are atomic with respect to
// each other; the registry is safe for concurrent use from every handler.
// Construct one per server and inject it — there is no package-level state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	inboundCap  int
	outboundCap int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInboundCapacity bounds each session's inbound queue. Deliveries beyond
// the bound block briefly and then fail with ErrBackpressure.
func WithInboundCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.inboundCap = n
		}
	}
}

// WithOutboundCapacity bounds each session's outbound queue.
func WithOutboundCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.outboundCap = n
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		inboundCap:  16,
		outboundCap: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a fresh session with a unique id and inserts it into the
// registry. The id never collides with a live session.
func (r *Registry) Create() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = uuid.NewString()
		if _, exists := r.sessions[id]; !exists {
			break
		}
	}

	sess := &Session{
		id:       id,
		inbound:  make(chan jsonrpc.Message, r.inboundCap),
		outbound: make(chan jsonrpc.Message, r.outboundCap),
		done:     make(chan struct{}),
		state:    SessionStateOpen,
	}
	r.sessions[id] = sess
	return sess
}

// Lookup returns the live session for id, or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Remove marks the session closed and evicts it. Removing an absent id is a
// no-op, not an error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		sess.finishClose()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
