package registry_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Strel-k/calmconnect-live/internal/registry"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeConn satisfies registry.Transport and records what it was sent.
type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(m []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.msgs = append(f.msgs, m)
	}
}

func (f *fakeConn) Close(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// --- Tests ---

func TestRegisterRequiresIdentity(t *testing.T) {
	r := registry.New(newTestLogger())

	_, err := r.Register(registry.Identity{}, newFakeConn())
	if err != registry.ErrAuthenticationRequired {
		t.Fatalf("Register with empty identity: got err %v, want ErrAuthenticationRequired", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after rejected registration, want 0", r.Count())
	}
}

func TestConnectionLifecycle(t *testing.T) {
	r := registry.New(newTestLogger())
	fc := newFakeConn()

	conn, err := r.Register(registry.Identity{ID: "u1", Role: "student"}, fc)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.ID != fc.ID() {
		t.Errorf("registered connection ID mismatch")
	}

	got, found := r.Get(conn.ID)
	if !found {
		t.Fatal("Get failed to find registered connection")
	}
	if got.Identity.ID != "u1" {
		t.Errorf("Identity.ID = %q, want u1", got.Identity.ID)
	}

	r.Close(conn.ID)
	if _, found := r.Get(conn.ID); found {
		t.Error("found connection after Close")
	}
	if !fc.isClosed() {
		t.Error("transport was not closed")
	}

	// Close is idempotent.
	r.Close(conn.ID)
}

func TestMultipleConnectionsPerIdentity(t *testing.T) {
	r := registry.New(newTestLogger())
	identity := registry.Identity{ID: "u1", Role: "student"}

	c1, _ := r.Register(identity, newFakeConn())
	c2, _ := r.Register(identity, newFakeConn())

	if got := r.CountFor("u1"); got != 2 {
		t.Fatalf("CountFor = %d, want 2", got)
	}
	if got := len(r.Connections("u1")); got != 2 {
		t.Fatalf("Connections returned %d, want 2", got)
	}

	r.Close(c1.ID)
	if got := r.CountFor("u1"); got != 1 {
		t.Errorf("CountFor after close = %d, want 1", got)
	}
	r.Close(c2.ID)
	if got := r.CountFor("u1"); got != 0 {
		t.Errorf("CountFor after closing all = %d, want 0", got)
	}
}

func TestSendToClosedConnectionIsDropped(t *testing.T) {
	r := registry.New(newTestLogger())
	fc := newFakeConn()
	conn, _ := r.Register(registry.Identity{ID: "u1"}, fc)

	r.Send(conn.ID, []byte("a"))
	r.Close(conn.ID)
	r.Send(conn.ID, []byte("b")) // must not panic, must not deliver

	if fc.sent() != 1 {
		t.Errorf("messages delivered = %d, want 1", fc.sent())
	}
}

func TestCleanupHooksRunBeforeTransportClose(t *testing.T) {
	r := registry.New(newTestLogger())
	fc := newFakeConn()

	var order []string
	r.OnClose(func(connID uuid.UUID) {
		if fc.isClosed() {
			t.Error("cleanup hook ran after transport close")
		}
		order = append(order, "hook")
	})

	conn, _ := r.Register(registry.Identity{ID: "u1"}, fc)
	r.Close(conn.ID)

	if len(order) != 1 {
		t.Fatalf("cleanup hook ran %d times, want 1", len(order))
	}
	if !fc.isClosed() {
		t.Error("transport not closed after Close")
	}
}

func TestOldestFor(t *testing.T) {
	r := registry.New(newTestLogger())
	identity := registry.Identity{ID: "u1"}

	c1, _ := r.Register(identity, newFakeConn())
	c2, _ := r.Register(identity, newFakeConn())

	oldest, found := r.OldestFor("u1")
	if !found {
		t.Fatal("OldestFor found nothing")
	}
	// c1 registered first; CreatedAt can tie at coarse clock resolution, so
	// accept either only when timestamps are equal.
	if oldest.ID != c1.ID && !c1.CreatedAt.Equal(c2.CreatedAt) {
		t.Errorf("OldestFor = %s, want %s", oldest.ID, c1.ID)
	}

	_, found = r.OldestFor("nobody")
	if found {
		t.Error("OldestFor found a connection for unknown identity")
	}
}

func TestCloseAll(t *testing.T) {
	r := registry.New(newTestLogger())
	for i := 0; i < 5; i++ {
		r.Register(registry.Identity{ID: "u1"}, newFakeConn())
	}
	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("Count after CloseAll = %d, want 0", r.Count())
	}
}
