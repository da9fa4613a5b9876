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

	"github.com/rebel47/StudySync/internal/room"
)

// ConnectionManager owns the WebSocket connections of this node. Every
// connection carries exactly one participant and its room session.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// Connection is one participant's WebSocket plus their session.
type Connection struct {
	ID      string
	RoomID  string
	Conn    *websocket.Conn
	Session *room.Session
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	closeOnce sync.Once
}

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

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
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
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// Upgrade turns the HTTP request into a registered Connection. The
// session is attached afterwards by the handler.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}
	return c, nil
}

// Register adds a connection to its room pool and starts the pumps.
func (cm *ConnectionManager) Register(c *Connection) {
	cm.mu.Lock()
	if cm.roomConnections[c.RoomID] == nil {
		cm.roomConnections[c.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[c.RoomID][c] = true
	total := len(cm.roomConnections[c.RoomID])
	cm.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("room_id", c.RoomID).
		Int("room_connections", total).
		Msg("WebSocket connection established")
}

// unregister removes a connection from its pool.
func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conns, ok := cm.roomConnections[c.RoomID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(cm.roomConnections, c.RoomID)
			}
			log.Info().
				Str("connection_id", c.ID).
				Str("room_id", c.RoomID).
				Msg("connection unregistered")
		}
	}
}

// Stats returns connection counts per room.
func (cm *ConnectionManager) Stats() (total int, rooms map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	rooms = make(map[string]int, len(cm.roomConnections))
	for id, conns := range cm.roomConnections {
		rooms[id] = len(conns)
		total += len(conns)
	}
	return total, rooms
}

// SendEvent marshals and enqueues an event for the client. A slow client
// whose buffer is full has the event dropped rather than blocking the
// session callback.
func (c *Connection) SendEvent(ev RoomEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("event_type", string(ev.Type)).
			Msg("send buffer full, dropping event")
	}
}

// NewEvent builds an envelope for this connection's room.
func (c *Connection) NewEvent(t EventType, payload any) RoomEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(t)).Msg("failed to marshal payload")
		data = []byte("{}")
	}
	return RoomEvent{
		ID:        uuid.NewString(),
		RoomID:    c.RoomID,
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Close tears down the connection and its session exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.Manager.unregister(c)
		if c.Session != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Session.Leave(ctx)
		}
		c.Conn.Close()
	})
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
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
				return
			}
		}
	}
}

// readPump reads client commands until the connection drops.
func (c *Connection) readPump() {
	defer c.Close()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
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
			return
		}
		c.handleCommand(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleCommand dispatches one client command to the session. Protocol
// errors go back to the client as Error events, never up the stack.
func (c *Connection) handleCommand(message []byte) {
	var cmd ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.SendEvent(c.NewEvent(EventTypeError, ErrorPayload{Message: "bad command"}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch cmd.Type {
	case CommandStart:
		err = c.Session.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionStart})
	case CommandPause:
		err = c.Session.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionPause})
	case CommandReset:
		err = c.Session.PublishTimerAction(ctx, room.TimerAction{Action: room.ActionReset})
	case CommandSetMode:
		err = c.Session.PublishTimerAction(ctx, room.TimerAction{
			Action:           room.ActionSetMode,
			Mode:             timerMode(cmd.Mode),
			DurationOverride: time.Duration(cmd.DurationSec) * time.Second,
		})
	case CommandChat:
		err = c.Session.SendChat(ctx, cmd.Text)
	case CommandLeave:
		c.Close()
		return
	default:
		c.SendEvent(c.NewEvent(EventTypeError, ErrorPayload{Message: "unknown command"}))
		return
	}

	if err != nil {
		c.SendEvent(c.NewEvent(EventTypeError, ErrorPayload{Message: err.Error()}))
	}
}
