package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now (adjust for production)
	},
}

type Client struct {
	Conn     *websocket.Conn
	Send     chan []byte
	Identity string
}

// WebSocketManager fans change-feed events out to the sockets of each
// identity in an event's audience. Multiple sockets per identity are
// supported for multi-device use.
type WebSocketManager struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	// Identity to active clients
	identityClients map[string]map[*Client]bool
	mu              sync.RWMutex
	sub             *notify.Subscription
	logger          *zap.Logger
}

func NewWebSocketManager(logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		clients:         make(map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		identityClients: make(map[string]map[*Client]bool),
		logger:          logger,
	}
}

func (m *WebSocketManager) Run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			if _, ok := m.identityClients[client.Identity]; !ok {
				m.identityClients[client.Identity] = make(map[*Client]bool)
			}
			m.identityClients[client.Identity][client] = true
			m.mu.Unlock()
			m.logger.Debug("Client registered", zap.String("identity", client.Identity))

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				if idMap, ok := m.identityClients[client.Identity]; ok {
					delete(idMap, client)
					if len(idMap) == 0 {
						delete(m.identityClients, client.Identity)
					}
				}
				close(client.Send)
				m.logger.Debug("Client unregistered", zap.String("identity", client.Identity))
			}
			m.mu.Unlock()
		}
	}
}

// ListenFeed subscribes the manager to the change feed. Events go to every
// audience identity's sockets; events with no audience go to everyone.
func (m *WebSocketManager) ListenFeed(feed *notify.ChangeFeed) {
	m.sub = feed.Subscribe("", nil, func(e notify.Event) {
		if len(e.Audience) == 0 {
			m.Broadcast(e)
			return
		}
		for _, identity := range e.Audience {
			m.SendToIdentity(identity, e)
		}
	})
}

// StopListening cancels the feed subscription.
func (m *WebSocketManager) StopListening() {
	if m.sub != nil {
		m.sub.Cancel()
	}
}

// SendToIdentity sends a payload to a specific identity's connected clients
func (m *WebSocketManager) SendToIdentity(identity string, payload interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients, ok := m.identityClients[identity]
	if !ok {
		return
	}

	jsonMsg, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to marshal payload", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.Send <- jsonMsg:
		default:
			// Slow client; drop rather than block the fanout.
		}
	}
}

// Broadcast sends a payload to every connected client
func (m *WebSocketManager) Broadcast(payload interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jsonMsg, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to marshal payload", zap.Error(err))
		return
	}

	for client := range m.clients {
		select {
		case client.Send <- jsonMsg:
		default:
		}
	}
}

func (c *Client) ReadPump(manager *WebSocketManager) {
	defer func() {
		manager.unregister <- c
		c.Conn.Close()
	}()

	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}
		// Server push only; client frames are drained and ignored.
	}
}

func (c *Client) WritePump() {
	defer func() {
		c.Conn.Close()
	}()

	for message := range c.Send {
		w, err := c.Conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)

		// Drain any queued events into the same frame.
		n := len(c.Send)
		for i := 0; i < n; i++ {
			w.Write(<-c.Send)
		}

		if err := w.Close(); err != nil {
			return
		}
	}
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}
