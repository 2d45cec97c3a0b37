package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/teamsforge/internal/logging"
)

// Client is an authenticated operator console connection.
type Client struct {
	ConnID      string
	Operator    OperatorInfo
	AuthMethod  string // "token" | "password"
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
}

// NewClient wraps a connection that has completed the handshake.
func NewClient(conn *websocket.Conn, operator OperatorInfo, auth AuthResult) *Client {
	return &Client{
		ConnID:      uuid.New().String(),
		Operator:    operator,
		AuthMethod:  auth.Method,
		Socket:      conn,
		ConnectedAt: time.Now(),
	}
}

// ConversationID is the history key for chat.send turns from this
// connection when the caller does not name one.
func (c *Client) ConversationID() string {
	return operatorChannelID + ":" + c.ConnID
}

// Session is the public view of a connection, reported by the health RPC.
type Session struct {
	ConnID      string    `json:"connId"`
	Operator    string    `json:"operator"`
	AuthMethod  string    `json:"authMethod"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Session returns the public view of c.
func (c *Client) Session() Session {
	return Session{
		ConnID:      c.ConnID,
		Operator:    c.Operator.Name(),
		AuthMethod:  c.AuthMethod,
		ConnectedAt: c.ConnectedAt,
	}
}

// Send writes a frame. Safe for concurrent use.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.Socket.WriteJSON(frame)
}

// SendEvent sends a named event with payload.
func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond sends a success response for the given request ID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *Client) RespondError(reqID string, errShape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the socket.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the socket once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Socket == nil {
		c.closed = true
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// ClientRegistry tracks connected operator consoles.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // connID → Client
	log     *logging.Logger
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c.ConnID] = c
	r.mu.Unlock()
	r.log.Info().Str("connId", c.ConnID).Str("operator", c.Operator.Name()).Str("auth", c.AuthMethod).Msg("operator connected")
}

// Remove unregisters a client by connection ID.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	delete(r.clients, connID)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("connId", connID).Str("operator", c.Operator.Name()).Dur("connected", time.Since(c.ConnectedAt)).Msg("operator disconnected")
	}
}

// Get returns a client by connection ID.
func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Sessions lists connected operators, oldest first.
func (r *ClientRegistry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Session())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast sends an event to every connected operator and returns how many
// received it.
func (r *ClientRegistry) Broadcast(event string, payload any, seq int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, c := range r.clients {
		if err := c.SendEvent(event, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes and forgets every client.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
}
