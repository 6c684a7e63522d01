package sseserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nowmcp/servicenow-mcp-go/internal/jsonrpc"
)

func TestRegistryCreateUniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess := r.Create()
		if sess.ID() == "" {
			t.Fatal("expected non-empty session id")
		}
		if seen[sess.ID()] {
			t.Fatalf("duplicate session id %q", sess.ID())
		}
		seen[sess.ID()] = true
		if got := sess.State(); got != SessionStateOpen {
			t.Fatalf("new session state: want %q got %q", SessionStateOpen, got)
		}
	}
	if got := r.Len(); got != 100 {
		t.Fatalf("registry length: want 100 got %d", got)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	sess := r.Create()

	got, err := r.Lookup(sess.ID())
	if err != nil {
		t.Fatalf("lookup of live session failed: %v", err)
	}
	if got != sess {
		t.Fatal("lookup returned a different session")
	}

	if _, err := r.Lookup("nope"); err != ErrSessionNotFound {
		t.Fatalf("lookup of unknown id: want ErrSessionNotFound got %v", err)
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	sess := r.Create()

	r.Remove(sess.ID())
	if got := sess.State(); got != SessionStateClosed {
		t.Fatalf("removed session state: want %q got %q", SessionStateClosed, got)
	}

	// Removing again, and removing an id that never existed, are no-ops.
	r.Remove(sess.ID())
	r.Remove("never-existed")

	if _, err := r.Lookup(sess.ID()); err != ErrSessionNotFound {
		t.Fatalf("lookup after remove: want ErrSessionNotFound got %v", err)
	}
}

func TestSessionDeliverToClosed(t *testing.T) {
	r := NewRegistry()
	sess := r.Create()
	r.Remove(sess.ID())

	err := sess.Deliver(context.Background(), jsonrpc.Message(`{}`), time.Second)
	if err != ErrSessionNotFound {
		t.Fatalf("deliver to closed session: want ErrSessionNotFound got %v", err)
	}
}

func TestSessionDeliverBackpressure(t *testing.T) {
	r := NewRegistry(WithInboundCapacity(1))
	sess := r.Create()

	if err := sess.Deliver(context.Background(), jsonrpc.Message(`{"a":1}`), 10*time.Millisecond); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	err := sess.Deliver(context.Background(), jsonrpc.Message(`{"a":2}`), 10*time.Millisecond)
	if err != ErrBackpressure {
		t.Fatalf("delivery into full queue: want ErrBackpressure got %v", err)
	}
}

func TestSessionDeliverUnblocksOnClose(t *testing.T) {
	r := NewRegistry(WithInboundCapacity(1))
	sess := r.Create()
	if err := sess.Deliver(context.Background(), jsonrpc.Message(`{}`), 10*time.Millisecond); err != nil {
		t.Fatalf("priming delivery failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Deliver(context.Background(), jsonrpc.Message(`{}`), 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Remove(sess.ID())

	select {
	case err := <-errCh:
		if err != ErrSessionNotFound {
			t.Fatalf("blocked delivery after close: want ErrSessionNotFound got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not unblock on session close")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sess := r.Create()
				if _, err := r.Lookup(sess.ID()); err != nil {
					t.Errorf("lookup failed: %v", err)
					return
				}
				r.Remove(sess.ID())
			}
		}()
	}
	wg.Wait()

	if got := r.Len(); got != 0 {
		t.Fatalf("registry should be empty, has %d sessions", got)
	}
}
