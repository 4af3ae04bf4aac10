package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aaronwang/bidding-app/internal/broadcast"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Manager manages all WebSocket connections. Only the Run loop mutates the
// subscriber sets; readers such as GetSubscriberCount take the read lock.
type Manager struct {
	mu sync.RWMutex
	// unitID -> clients watching that unit
	units map[string]map[*Client]struct{}
	// unitID -> users who have bid on it, used to tell them they were outbid
	participants map[string]map[string]struct{}

	// Channels for managing connections
	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcast.Message
	// closed when Run returns
	done chan struct{}

	logger *slog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	UnitID string
	// UserID is empty for anonymous watchers
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// NewManager creates a new WebSocket manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		units:        make(map[string]map[*Client]struct{}),
		participants: make(map[string]map[string]struct{}),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *broadcast.Message, 256), // Buffered for high throughput
		done:         make(chan struct{}),
		logger:       logger.With("component", "websocket"),
	}
}

// Run starts the manager's main loop until ctx is done, then closes every connection.
// This should run in a goroutine
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.removeClient(client)

		case message := <-m.broadcast:
			m.broadcastToUnit(message)
		}
	}
}

// Inbox is where subscribers deliver bid events for fan-out
func (m *Manager) Inbox() chan<- *broadcast.Message {
	return m.broadcast
}

// RegisterClient adds a client to the manager. It returns false once the
// manager has stopped.
func (m *Manager) RegisterClient(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.done:
		return false
	}
}

// UnregisterClient removes a client from the manager
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

// registerClient adds a client to the subscribers map
func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	set, ok := m.units[client.UnitID]
	if !ok {
		set = make(map[*Client]struct{})
		m.units[client.UnitID] = set
	}
	set[client] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("client subscribed", "client_id", client.ID, "unit_id", client.UnitID, "user_id", client.UserID)

	// Start goroutine to handle writes for this client
	go client.writePump()
}

// removeClient drops a client and closes its connection. Removing a client twice is a no-op.
func (m *Manager) removeClient(client *Client) {
	m.mu.Lock()
	set, ok := m.units[client.UnitID]
	if ok {
		_, ok = set[client]
		delete(set, client)
		if len(set) == 0 {
			delete(m.units, client.UnitID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	close(client.Send)
	m.logger.Debug("client unsubscribed", "client_id", client.ID, "unit_id", client.UnitID)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	units := m.units
	m.units = make(map[string]map[*Client]struct{})
	m.mu.Unlock()

	for _, set := range units {
		for client := range set {
			close(client.Send)
		}
	}
}

// broadcastToUnit sends an event to every client watching its unit, shaped for
// the recipient. A client whose send buffer is full is disconnected so one slow
// reader cannot hold up the others.
func (m *Manager) broadcastToUnit(msg *broadcast.Message) {
	ev := msg.Event
	shaped := map[string][]byte{"": msg.Payload}
	payloadFor := func(status string) []byte {
		if p, ok := shaped[status]; ok {
			return p
		}
		cp := *ev
		cp.BidderStatus = status
		p, err := json.Marshal(&cp)
		if err != nil {
			p = msg.Payload
		}
		shaped[status] = p
		return p
	}

	m.mu.RLock()
	bidders := m.participants[msg.UnitID]
	var slow []*Client
	count := 0
	for client := range m.units[msg.UnitID] {
		select {
		case client.Send <- payloadFor(bidderStatus(ev, client.UserID, bidders)):
			count++
		default:
			slow = append(slow, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range slow {
		m.logger.Warn("evicting slow client", "client_id", client.ID, "unit_id", msg.UnitID)
		m.removeClient(client)
	}

	m.trackParticipants(msg.UnitID, ev)
	m.logger.Debug("broadcasted event", "unit_id", msg.UnitID, "clients", count)
}

// trackParticipants remembers who bid on a unit and forgets the unit once it ends
func (m *Manager) trackParticipants(unitID string, ev *models.BidEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Ended || ev.Type == models.EventUnitClosed {
		delete(m.participants, unitID)
		return
	}
	if ev.Type != models.EventBidPlaced || ev.BidderID == "" {
		return
	}
	set, ok := m.participants[unitID]
	if !ok {
		set = make(map[string]struct{})
		m.participants[unitID] = set
	}
	set[ev.BidderID] = struct{}{}
}

// bidderStatus is "leading" for the bidder of ev, "outbid" for earlier bidders
// on the unit and empty for everybody else
func bidderStatus(ev *models.BidEvent, userID string, bidders map[string]struct{}) string {
	if userID == "" || ev.Type != models.EventBidPlaced {
		return ""
	}
	if userID == ev.BidderID {
		return models.BidderStatusLeading
	}
	if _, ok := bidders[userID]; ok {
		return models.BidderStatusOutbid
	}
	return ""
}

// GetSubscriberCount returns the number of clients watching a unit
func (m *Manager) GetSubscriberCount(unitID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.units[unitID])
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send message
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump watches the connection for pongs and disconnects. Clients have
// nothing to say on this channel; anything they send is discarded.
func (c *Client) readPump(m *Manager) {
	defer func() {
		m.UnregisterClient(c)
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("websocket error", "client_id", c.ID, "error", err)
			}
			break
		}
	}
}
