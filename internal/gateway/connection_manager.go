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

// ConnectionManager manages WebSocket connections grouped into rooms. A game
// instance fans out to its student room, dashboard room and projection room;
// deferred participants additionally get a private room.
type ConnectionManager struct {
	rooms map[string]map[*Connection]bool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
}

// Connection represents one WebSocket client.
type Connection struct {
	ID      string
	UserID  string
	Role    Role
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// roomsJoined is guarded by the manager mutex.
	roomsJoined map[string]bool

	// sendMu orders queueing on Send against the channel close during
	// teardown; a broadcast that snapshots the room before an unregister
	// must not send into a closed channel.
	sendMu sync.Mutex
	closed bool

	ConnectedAt time.Time
	LastPing    time.Time

	// onMessage receives raw client frames (timer actions from dashboards).
	onMessage func(c *Connection, data []byte)

	// onClose runs once when the connection leaves its rooms.
	onClose func(c *Connection)
}

// OnClose registers a callback invoked once when the connection is torn
// down. Must be set before the first frame can arrive.
func (c *Connection) OnClose(fn func(c *Connection)) {
	c.onClose = fn
}

// trySend queues a frame without blocking. Returns false when the buffer is
// full or the connection has already been torn down.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
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

func (c *Connection) isClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed
}

// Role distinguishes who is on the other end of a connection.
type Role string

const (
	RolePlayer     Role = "player"
	RoleDashboard  Role = "dashboard"
	RoleProjection Role = "projection"
)

// ConnectionConfig holds configuration for WebSocket connections.
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
	Room string
	Data []byte
}

// Message is the envelope every client frame travels in.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DefaultConnectionConfig returns default WebSocket configuration.
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

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages.
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

// Upgrade upgrades an HTTP request to a WebSocket connection and registers it
// in the given rooms. onMessage handles inbound frames for the connection's
// lifetime.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, userID string, role Role, rooms []string, onMessage func(c *Connection, data []byte)) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		roomsJoined: make(map[string]bool),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		onMessage:   onMessage,
	}

	cm.mu.Lock()
	for _, room := range rooms {
		if cm.rooms[room] == nil {
			cm.rooms[room] = make(map[*Connection]bool)
		}
		cm.rooms[room][connection] = true
		connection.roomsJoined[room] = true
	}
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("role", string(role)).
		Strs("rooms", rooms).
		Msg("WebSocket connection established")

	return connection, nil
}

// JoinRoom adds an established connection to another room (deferred sessions
// get their private room after the join handshake).
func (cm *ConnectionManager) JoinRoom(conn *Connection, room string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.rooms[room] == nil {
		cm.rooms[room] = make(map[*Connection]bool)
	}
	cm.rooms[room][conn] = true
	conn.roomsJoined[room] = true
}

// unregister removes a connection from every room it joined.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	removed := false
	for room := range conn.roomsJoined {
		if members, ok := cm.rooms[room]; ok {
			if members[conn] {
				delete(members, conn)
				removed = true
			}
			if len(members) == 0 {
				delete(cm.rooms, room)
			}
		}
	}
	if removed {
		conn.sendMu.Lock()
		conn.closed = true
		close(conn.Send)
		conn.sendMu.Unlock()
		if conn.onClose != nil {
			go conn.onClose(conn)
		}
		log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection unregistered")
	}
	conn.roomsJoined = make(map[string]bool)
}

// BroadcastToRoom queues a frame for every connection in the room.
func (cm *ConnectionManager) BroadcastToRoom(room string, data []byte) {
	select {
	case cm.broadcastCh <- broadcastMessage{Room: room, Data: data}:
	default:
		log.Warn().Str("room", room).Msg("broadcast channel full, dropping message")
	}
}

// SendToConnection delivers a frame to a single connection, bypassing rooms
// (late-joiner reconciliation payloads).
func (cm *ConnectionManager) SendToConnection(conn *Connection, data []byte) {
	if conn.trySend(data) {
		return
	}
	if conn.isClosed() {
		return
	}
	log.Warn().
		Str("connection_id", conn.ID).
		Msg("connection send buffer full, closing connection")
	cm.unregister(conn)
	conn.Conn.Close()
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	members, exists := cm.rooms[message.Room]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(members))
	for conn := range members {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if conn.trySend(message.Data) {
			continue
		}
		if conn.isClosed() {
			// Lost the race with teardown; nothing left to evict.
			continue
		}
		// Connection is slow/dead, close it
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection send buffer full, closing connection")
		cm.unregister(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("room", message.Room).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// Stats returns counts of active rooms and connections.
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	roomCounts := make(map[string]int)
	for room, members := range cm.rooms {
		roomCounts[room] = len(members)
		total += len(members)
	}
	return map[string]interface{}{
		"total_connections": total,
		"active_rooms":      len(cm.rooms),
		"room_connections":  roomCounts,
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
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
					Msg("failed to write message to WebSocket")
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

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
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
					Msg("unexpected WebSocket close error")
			}
			break
		}
		if c.onMessage != nil {
			c.onMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// EncodeMessage marshals an event envelope once for fan-out.
func EncodeMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Message{Event: event, Data: data})
}
