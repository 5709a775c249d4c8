package group_test

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Strel-k/calmconnect-live/internal/group"
	"github.com/Strel-k/calmconnect-live/internal/registry"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id   uuid.UUID
	mu   sync.Mutex
	msgs [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(m []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

func (f *fakeConn) Close(error) {}

func (f *fakeConn) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func newTestRouter(t *testing.T) (*group.Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(newTestLogger())
	return group.NewRouter(reg, newTestLogger()), reg
}

func register(t *testing.T, reg *registry.Registry, identityID string) (*fakeConn, uuid.UUID) {
	t.Helper()
	fc := newFakeConn()
	conn, err := reg.Register(registry.Identity{ID: identityID}, fc)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return fc, conn.ID
}

func TestJoinIsIdempotent(t *testing.T) {
	router, reg := newTestRouter(t)
	_, connID := register(t, reg, "u1")

	if n := router.Join("notify:u1", connID); n != 1 {
		t.Errorf("first Join returned %d, want 1", n)
	}
	if n := router.Join("notify:u1", connID); n != 1 {
		t.Errorf("duplicate Join returned %d, want 1", n)
	}
}

func TestLeavePrunesEmptyGroup(t *testing.T) {
	router, reg := newTestRouter(t)
	_, connID := register(t, reg, "u1")

	router.Join("room:42", connID)
	router.Leave("room:42", connID)
	if n := router.Members("room:42"); n != 0 {
		t.Errorf("Members after leave = %d, want 0", n)
	}
	// Leaving again, or leaving an unknown group, must be a no-op.
	router.Leave("room:42", connID)
	router.Leave("no-such-group", connID)
}

func TestPublishFIFOPerGroup(t *testing.T) {
	router, reg := newTestRouter(t)
	fc, connID := register(t, reg, "u1")
	router.Join("room:42", connID)

	router.Publish("room:42", []byte("A"))
	router.Publish("room:42", []byte("B"))
	router.Publish("room:42", []byte("C"))

	msgs := fc.messages()
	want := [][]byte{[]byte("A"), []byte("B"), []byte("C")}
	if len(msgs) != len(want) {
		t.Fatalf("received %d messages, want %d", len(msgs), len(want))
	}
	for i := range want {
		if !bytes.Equal(msgs[i], want[i]) {
			t.Errorf("message %d = %q, want %q", i, msgs[i], want[i])
		}
	}
}

func TestPublishReachesAllMembers(t *testing.T) {
	router, reg := newTestRouter(t)

	// Same identity in two tabs: both connections share the personal group.
	fc1, conn1 := register(t, reg, "u1")
	fc2, conn2 := register(t, reg, "u1")
	router.Join(group.NotifyGroup("u1"), conn1)
	router.Join(group.NotifyGroup("u1"), conn2)

	router.Publish(group.NotifyGroup("u1"), []byte("hello"))

	for i, fc := range []*fakeConn{fc1, fc2} {
		if len(fc.messages()) != 1 {
			t.Errorf("connection %d received %d messages, want 1", i, len(fc.messages()))
		}
	}
}

func TestPublishToUnknownGroupIsNoop(t *testing.T) {
	router, _ := newTestRouter(t)
	router.Publish("room:void", []byte("x")) // must not panic
}

func TestCloseRemovesConnectionFromAllGroups(t *testing.T) {
	router, reg := newTestRouter(t)
	fc, connID := register(t, reg, "u1")
	router.Join("notify:u1", connID)
	router.Join("room:42", connID)

	reg.Close(connID)

	if n := router.Members("notify:u1"); n != 0 {
		t.Errorf("notify group still has %d members after close", n)
	}
	if n := router.Members("room:42"); n != 0 {
		t.Errorf("room group still has %d members after close", n)
	}

	router.Publish("room:42", []byte("late"))
	if len(fc.messages()) != 0 {
		t.Errorf("closed connection received %d messages", len(fc.messages()))
	}
}

func TestConcurrentJoinLeavePublish(t *testing.T) {
	router, reg := newTestRouter(t)
	stable, stableID := register(t, reg, "observer")
	router.Join("room:42", stableID)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, connID := register(t, reg, fmt.Sprintf("u%d", i))
			for j := 0; j < 50; j++ {
				router.Join("room:42", connID)
				router.Publish("room:42", []byte("m"))
				router.Leave("room:42", connID)
			}
		}(i)
	}
	wg.Wait()

	// The stable member must have seen every publish: membership mutation is
	// serialized against publishing, so none may be lost mid-removal.
	if got := len(stable.messages()); got != 16*50 {
		t.Errorf("stable member received %d messages, want %d", got, 16*50)
	}
}

func TestJoinRacingPruneIsNeverLost(t *testing.T) {
	router, reg := newTestRouter(t)

	// One tab of an identity leaves (pruning the emptied personal group) while
	// a second tab joins it. The joiner must end up in a set the router still
	// reaches, never in the pruned orphan.
	for i := 0; i < 2000; i++ {
		_, leaver := register(t, reg, "u1")
		fc, joiner := register(t, reg, "u1")
		name := group.NotifyGroup("u1")
		router.Join(name, leaver)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			router.LeaveAll(leaver)
		}()
		go func() {
			defer wg.Done()
			router.Join(name, joiner)
		}()
		wg.Wait()

		if n := router.Members(name); n != 1 {
			t.Fatalf("iteration %d: group has %d members after join racing prune, want 1", i, n)
		}
		router.Publish(name, []byte("ping"))
		if len(fc.messages()) != 1 {
			t.Fatalf("iteration %d: joiner received %d messages, want 1", i, len(fc.messages()))
		}

		router.Leave(name, joiner)
		reg.Close(leaver)
		reg.Close(joiner)
	}
}
