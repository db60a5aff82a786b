// Package gateway owns the websocket edge: connection lifecycle, inbound
// command framing, and outbound event fan-out. All game semantics live in the
// engine; the gateway only moves frames.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ludogames/bingohall/internal/engine"
)

// ConnectionManager tracks every live websocket in this process and fans
// events out to them through a single broadcast channel.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	engine   *engine.Engine

	broadcastCh chan broadcastMessage
}

// Connection is one client socket. The session is owned by the read pump;
// identity and the closed flag live behind the connection mutex so the
// broadcast goroutine and the pumps never race the read pump on them.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	session *engine.Session

	mu       sync.Mutex
	identity string
	closed   bool

	ConnectedAt time.Time
	LastPing    time.Time
}

func (c *Connection) setIdentity(id string) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Connection) getIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// trySend queues a frame unless the connection is already closed or its
// buffer is full. Sending and closing share the connection mutex, so a frame
// can never hit a closed channel.
func (c *Connection) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend marks the connection closed and closes the send channel exactly
// once. Only unregisterConnection calls this.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ConnectionConfig holds websocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	Event    *engine.Event
	Identity string // when set, deliver only to this identity's connection
}

// DefaultConnectionConfig returns the default websocket tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates the manager. The engine reference is wired
// after construction because engine and gateway point at each other.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetEngine wires the command dispatcher. Must be called before serving.
func (cm *ConnectionManager) SetEngine(e *engine.Engine) {
	cm.engine = e
}

// Start processes the broadcast channel until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Broadcast queues an event for every local connection. Implements
// engine.Broadcaster.
func (cm *ConnectionManager) Broadcast(evt *engine.Event) {
	select {
	case cm.broadcastCh <- broadcastMessage{Event: evt}:
	default:
		log.Warn().Str("type", string(evt.Type)).Msg("broadcast channel full, dropping event")
	}
}

// SendToUser queues an event for one identity's connection.
func (cm *ConnectionManager) SendToUser(identity string, evt *engine.Event) {
	select {
	case cm.broadcastCh <- broadcastMessage{Event: evt, Identity: identity}:
	default:
		log.Warn().
			Str("type", string(evt.Type)).
			Str("identity", identity).
			Msg("broadcast channel full, dropping user event")
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket and starts its
// pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	connection.session = &engine.Session{ConnID: connection.ID}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote", r.RemoteAddr).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = true
	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, exists := cm.connections[conn]; exists {
		delete(cm.connections, conn)
		conn.closeSend()
		log.Info().
			Str("connection_id", conn.ID).
			Str("identity", conn.getIdentity()).
			Msg("connection unregistered")
	}
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	for conn := range cm.connections {
		if message.Identity != "" && conn.getIdentity() != message.Identity {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

// ConnectionCount reports live local connections, for the health endpoint.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// writePump sends queued frames and keepalive pings to the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads command envelopes and feeds them to the engine. A malformed
// frame gets an error event rather than a dropped connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
		c.Manager.engine.Disconnect(context.Background(), c.session)
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage parses one inbound envelope, dispatches it, and writes
// the ack back on this connection.
func (c *Connection) handleClientMessage(message []byte) {
	var env engine.Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
		log.Debug().
			Str("connection_id", c.ID).
			Msg("discarding malformed client frame")
		c.sendJSON(&engine.Ack{
			Event:   env.Event,
			OK:      false,
			Code:    engine.CodeInvalidState,
			Message: "malformed message",
		})
		return
	}

	ack := c.Manager.engine.Dispatch(context.Background(), c.session, env)
	c.setIdentity(c.session.Identity)
	c.sendJSON(ack)
}

func (c *Connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	if !c.trySend(data) {
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection closed or buffer full, dropping frame")
	}
}
