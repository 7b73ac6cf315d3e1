package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager owns every WebSocket connection and the per-session
// connection pools used for fan-out.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection          // socket id → connection
	sessions    map[string]map[*Connection]bool // session id → pool

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage

	// onDisconnect runs exactly once per connection, after it has left
	// the pools. The handler uses it to update membership and trigger
	// leader promotion.
	onDisconnect func(socketID string)

	// onMessage dispatches inbound client commands.
	onMessage func(conn *Connection, data []byte)
}

// Connection is one client socket.
type Connection struct {
	SocketID string
	Conn     *websocket.Conn
	Send     chan []byte
	manager  *ConnectionManager

	mu        sync.Mutex
	sessionID string

	ConnectedAt time.Time
	LastPing    time.Time
}

// SessionID returns the session the socket has joined, or "".
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the production defaults.
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

type broadcastMessage struct {
	sessionID string
	socketID  string // if set, deliver only to this socket
	envelope  Envelope
}

// NewConnectionManager creates an empty manager. Wire the callbacks
// before serving connections.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetDisconnectHandler registers the membership-cleanup callback.
func (cm *ConnectionManager) SetDisconnectHandler(fn func(socketID string)) {
	cm.onDisconnect = fn
}

// SetMessageHandler registers the inbound command dispatcher.
func (cm *ConnectionManager) SetMessageHandler(fn func(conn *Connection, data []byte)) {
	cm.onMessage = fn
}

// Start processes queued broadcasts until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.deliver(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and starts
// its pumps. The socket id is minted here and owned by the connection.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		SocketID:    uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.mu.Lock()
	cm.connections[connection.SocketID] = connection
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().Str("socket_id", connection.SocketID).Msg("websocket connection established")
	return connection, nil
}

// JoinSession moves a connection into a session pool. A socket belongs
// to at most one session; re-joining swaps pools.
func (cm *ConnectionManager) JoinSession(conn *Connection, sessionID string) {
	cm.mu.Lock()
	if prev := conn.SessionID(); prev != "" && prev != sessionID {
		if pool, ok := cm.sessions[prev]; ok {
			delete(pool, conn)
			if len(pool) == 0 {
				delete(cm.sessions, prev)
			}
		}
	}
	if cm.sessions[sessionID] == nil {
		cm.sessions[sessionID] = make(map[*Connection]bool)
	}
	cm.sessions[sessionID][conn] = true
	cm.mu.Unlock()

	conn.setSessionID(sessionID)
	log.Debug().Str("socket_id", conn.SocketID).Str("session_id", sessionID).Msg("socket joined session pool")
}

// unregister removes a connection from all pools. The disconnect
// callback fires exactly once, guarded by map membership.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	_, present := cm.connections[conn.SocketID]
	if present {
		delete(cm.connections, conn.SocketID)
		close(conn.Send)
		if sessionID := conn.SessionID(); sessionID != "" {
			if pool, ok := cm.sessions[sessionID]; ok {
				delete(pool, conn)
				if len(pool) == 0 {
					delete(cm.sessions, sessionID)
				}
			}
		}
	}
	cm.mu.Unlock()

	if present {
		log.Info().Str("socket_id", conn.SocketID).Msg("connection unregistered")
		if cm.onDisconnect != nil {
			cm.onDisconnect(conn.SocketID)
		}
	}
}

// BroadcastToSession queues an envelope for every socket in a session.
func (cm *ConnectionManager) BroadcastToSession(sessionID string, env Envelope) {
	select {
	case cm.broadcastCh <- broadcastMessage{sessionID: sessionID, envelope: env}:
	default:
		log.Warn().Str("session_id", sessionID).Msg("broadcast channel full, dropping message")
	}
}

// SendToSocket queues an envelope for a single socket.
func (cm *ConnectionManager) SendToSocket(socketID string, env Envelope) {
	select {
	case cm.broadcastCh <- broadcastMessage{socketID: socketID, envelope: env}:
	default:
		log.Warn().Str("socket_id", socketID).Msg("broadcast channel full, dropping message")
	}
}

// deliver fans one queued message out to its targets.
func (cm *ConnectionManager) deliver(message broadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.socketID != "" {
		if conn, ok := cm.connections[message.socketID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.sessions[message.sessionID] {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(message.envelope)
	if err != nil {
		log.Error().Err(err).Msg("marshal envelope for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow or dead consumer; drop the connection.
			log.Warn().Str("socket_id", conn.SocketID).Msg("send buffer full, closing connection")
			cm.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats summarizes live connections per session.
func (cm *ConnectionManager) Stats() (total int, perSession map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	perSession = make(map[string]int, len(cm.sessions))
	for id, pool := range cm.sessions {
		perSession[id] = len(pool)
	}
	return len(cm.connections), perSession
}

// writePump drains the send channel onto the socket and keeps the
// ping/pong heartbeat alive.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("socket_id", c.SocketID).Msg("write to websocket failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("socket_id", c.SocketID).Msg("ping failed")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump feeds inbound frames to the message handler.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("socket_id", c.SocketID).Msg("unexpected websocket close")
			}
			break
		}
		if c.manager.onMessage != nil {
			c.manager.onMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
