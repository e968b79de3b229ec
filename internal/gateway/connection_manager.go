package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mdev84/pointing/internal/poker"
)

// EventHandler receives inbound frames and disconnects from the
// transport. The poker coordinator implements it.
type EventHandler interface {
	HandleMessage(ctx context.Context, conn poker.Conn, data []byte)
	HandleDisconnect(ctx context.Context, conn poker.Conn)
}

// ConnectionManager owns the WebSocket connections of the server. It
// upgrades HTTP requests, runs the read/write pumps, and feeds inbound
// frames to the event handler. Session membership is not its concern;
// connections start unbound and bind through create/join events.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[*Connection]bool

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  EventHandler
}

// Connection is one WebSocket connection to a client. It implements
// poker.Conn: Send queues without blocking and a connection that cannot
// drain its queue is closed.
type Connection struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  atomic.Bool
	stop    sync.Once
	manager *ConnectionManager

	connectedAt time.Time
	lastPing    time.Time
}

// ConnectionConfig holds tuning for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueSize   int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a WebSocket connection manager delivering
// inbound events to the given handler.
func NewConnectionManager(config ConnectionConfig, handler EventHandler) *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		handler: handler,
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection
// and starts its pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, cm.config.SendQueueSize),
		done:        make(chan struct{}),
		manager:     cm,
		connectedAt: time.Now(),
		lastPing:    time.Now(),
	}

	cm.register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.conns[conn] = true

	log.Debug().
		Str("connection_id", conn.id).
		Int("total_connections", len(cm.conns)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	delete(cm.conns, conn)
}

// ConnectionCount returns the number of live WebSocket connections.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.conns)
}

// ID returns the connection's identifier.
func (c *Connection) ID() string {
	return c.id
}

// IsOpen reports whether the connection can still receive events.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Send marshals the event and queues it for delivery. A connection whose
// queue is full is closed; its read pump then runs the disconnect path,
// so no cleanup happens here under the caller's locks.
func (c *Connection) Send(event any) {
	if c.closed.Load() {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to marshal event")
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn().
			Str("connection_id", c.id).
			Msg("connection send buffer full, closing connection")
		c.shutdown()
	}
}

// shutdown marks the connection closed and tears down the socket, which
// unblocks the read pump.
func (c *Connection) shutdown() {
	c.stop.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.conn.Close()
	})
}

// writePump sends queued messages and keeps the connection alive with
// pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.lastPing = time.Now()
		}
	}
}

// readPump feeds inbound frames to the event handler until the
// connection drops, then runs the disconnect path exactly once.
func (c *Connection) readPump() {
	defer func() {
		c.shutdown()
		c.manager.unregister(c)
		c.manager.handler.HandleDisconnect(context.Background(), c)

		log.Info().
			Str("connection_id", c.id).
			Msg("connection closed")
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.lastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.manager.handler.HandleMessage(context.Background(), c, message)
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
