package chat

import (
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	conn := &websocket.Conn{}

	r.Register("actor-1", "tab-1", conn)

	if got := r.GetActive("actor-1", "tab-1"); got != conn {
		t.Errorf("Expected connection %v, got %v", conn, got)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	conn := &websocket.Conn{}

	r.Register("actor-1", "tab-1", conn)
	r.Unregister("actor-1", "tab-1", conn)

	if got := r.GetActive("actor-1", "tab-1"); got != nil {
		t.Errorf("Expected nil connection, got %v", got)
	}
}

func TestRegistry_UnregisterStale(t *testing.T) {
	r := NewRegistry()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	r.Register("actor-1", "tab-1", conn1)

	// A second tab stays active when the first one goes away.
	r.Register("actor-1", "tab-2", conn2)
	r.Unregister("actor-1", "tab-1", conn1)

	if got := r.GetActive("actor-1", "tab-2"); got != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, got)
	}
	if got := len(r.Conns("actor-1")); got != 1 {
		t.Errorf("Expected 1 connection, got %d", got)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	go func() {
		for i := 0; i < 1000; i++ {
			r.Register("actor-1", "tab-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			r.GetActive("actor-1", "tab-"+strconv.Itoa(i))
		}
	}()

	time.Sleep(100 * time.Millisecond)
}
