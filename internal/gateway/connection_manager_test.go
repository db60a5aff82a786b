package gateway

import (
	"sync"
	"testing"

	"github.com/ludogames/bingohall/internal/engine"
)

func newTestConnection(cm *ConnectionManager, id string) *Connection {
	conn := &Connection{
		ID:      id,
		Send:    make(chan []byte, 4),
		Manager: cm,
	}
	conn.session = &engine.Session{ConnID: id}
	return conn
}

func TestSendAfterUnregister(t *testing.T) {
	t.Run("in-flight ack after eviction is dropped, not a panic", func(t *testing.T) {
		cm := NewConnectionManager(DefaultConnectionConfig())
		conn := newTestConnection(cm, "conn-1")
		cm.registerConnection(conn)

		// The slow-client eviction path closes the send channel while the
		// read pump may still be writing a command ack.
		cm.unregisterConnection(conn)

		conn.sendJSON(&engine.Ack{Event: "join", OK: true, Code: engine.CodeOK})
		if conn.trySend([]byte("late frame")) {
			t.Error("send on a closed connection should report failure")
		}
	})

	t.Run("unregister is idempotent across pump defers", func(t *testing.T) {
		cm := NewConnectionManager(DefaultConnectionConfig())
		conn := newTestConnection(cm, "conn-1")
		cm.registerConnection(conn)

		// Both pumps unregister on exit; the second close must be a no-op.
		cm.unregisterConnection(conn)
		cm.unregisterConnection(conn)
	})

	t.Run("concurrent sends race a close safely", func(t *testing.T) {
		cm := NewConnectionManager(DefaultConnectionConfig())
		conn := newTestConnection(cm, "conn-1")
		cm.registerConnection(conn)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					conn.trySend([]byte("frame"))
				}
			}()
		}
		cm.unregisterConnection(conn)
		wg.Wait()
	})
}

func TestBroadcastSkipsClosedConnection(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	open := newTestConnection(cm, "conn-open")
	cm.registerConnection(open)

	closed := newTestConnection(cm, "conn-closed")
	cm.registerConnection(closed)
	cm.unregisterConnection(closed)

	cm.handleBroadcast(broadcastMessage{Event: &engine.Event{Type: engine.EventCountdown}})

	select {
	case <-open.Send:
	default:
		t.Error("open connection should have received the broadcast")
	}
}
