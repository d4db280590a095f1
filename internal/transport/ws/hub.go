package ws

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"studysync/internal/metrics"
)

// Envelope is the WebSocket frame format in both directions
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Connection represents a WebSocket connection
type Connection struct {
	ID     string
	UserID string
	Send   chan []byte
}

// Hub fans messages out to named channels of connections. A connection
// whose send queue is full is evicted rather than allowed to stall the
// sender or to miss a message and carry on out of order.
type Hub struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	channels map[string]map[string]struct{}
	// connection -> channels it is subscribed to
	subs map[string]map[string]struct{}

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]*Connection),
		channels: make(map[string]map[string]struct{}),
		subs:     make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID] = conn
	h.subs[conn.ID] = make(map[string]struct{})
}

// Unregister removes a connection and closes its send queue. Safe to call
// for a connection that was already evicted.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.conns[conn.ID]; ok && existing == conn {
		h.removeLocked(conn)
	}
}

func (h *Hub) removeLocked(conn *Connection) {
	for channel := range h.subs[conn.ID] {
		if members := h.channels[channel]; members != nil {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	delete(h.subs, conn.ID)
	delete(h.conns, conn.ID)
	close(conn.Send)
}

// deliverLocked queues data for conn, evicting it when its queue is full
func (h *Hub) deliverLocked(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
	default:
		h.logger.Warn("evicting slow consumer",
			zap.String("conn", conn.ID),
			zap.String("user", conn.UserID))
		metrics.SlowConsumerEvicted()
		h.removeLocked(conn)
	}
}

func encode(msgType, requestID string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Reply sends one message to a connection, tagged with the request it
// answers
func (h *Hub) Reply(connID, requestID, msgType string, payload interface{}) {
	data, err := encode(msgType, requestID, payload)
	if err != nil {
		h.logger.Error("failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[connID]; ok {
		h.deliverLocked(conn, data)
	}
}

// SendToConn sends one message to a connection (implements service.Broadcaster)
func (h *Hub) SendToConn(connID, msgType string, payload interface{}) {
	h.Reply(connID, "", msgType, payload)
}

// Publish sends a message to every subscriber of channel except exceptConnID
// (implements service.Broadcaster)
func (h *Hub) Publish(channel, msgType string, payload interface{}, exceptConnID string) {
	data, err := encode(msgType, "", payload)
	if err != nil {
		h.logger.Error("failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.channels[channel] {
		if connID == exceptConnID {
			continue
		}
		if conn, ok := h.conns[connID]; ok {
			h.deliverLocked(conn, data)
		}
	}
}

// Subscribe adds a connection to channel. Unknown connections are ignored.
func (h *Hub) Subscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[connID]
	if !ok {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]struct{})
	}
	h.channels[channel][connID] = struct{}{}
	subs[channel] = struct{}{}
}

// Unsubscribe removes a connection from channel
func (h *Hub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.channels[channel]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(h.subs[connID], channel)
}

// UnsubscribeAll empties channel and returns the connections it held
func (h *Hub) UnsubscribeAll(channel string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[channel]
	delete(h.channels, channel)

	ids := make([]string, 0, len(members))
	for connID := range members {
		delete(h.subs[connID], channel)
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

// UnsubscribeConn removes a connection from every channel and returns them
func (h *Hub) UnsubscribeConn(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[connID]
	channels := make([]string, 0, len(subs))
	for channel := range subs {
		if members := h.channels[channel]; members != nil {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
		channels = append(channels, channel)
	}
	if subs != nil {
		h.subs[connID] = make(map[string]struct{})
	}
	sort.Strings(channels)
	return channels
}

// IsSubscribed reports whether connID is subscribed to channel
func (h *Hub) IsSubscribed(connID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[channel][connID]
	return ok
}

// Subscribers lists the connections subscribed to channel
func (h *Hub) Subscribers(channel string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.channels[channel]))
	for connID := range h.channels[channel] {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

// Connections reports how many connections are registered
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
