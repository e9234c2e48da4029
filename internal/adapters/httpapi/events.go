package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/call"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// Event is one frame of the UI event feed.
type Event struct {
	Type   string             `json:"type"` // notice, state, invite
	Notice *call.Notice       `json:"notice,omitempty"`
	State  *call.Snapshot     `json:"state,omitempty"`
	Invite *domain.Invitation `json:"invite,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Single-user local client; the browser UI is served from this process.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Hub fans engine events out to every connected UI. A slow client drops
// frames instead of blocking the engine; the next state event resyncs it.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Bind attaches the hub to the engine callbacks. Must run before
// engine.Start.
func (h *Hub) Bind(e *call.Engine) {
	e.OnNotice(func(n call.Notice) {
		h.Publish(Event{Type: "notice", Notice: &n})
	})
	e.OnStateChange(func(s call.Snapshot) {
		h.Publish(Event{Type: "state", State: &s})
	})
	e.OnIncoming(func(inv domain.Invitation) {
		h.Publish(Event{Type: "invite", Invite: &inv})
	})
}

func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi").Msg("marshal event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("module", "httpapi").Msg("event dropped, slow client")
		}
	}
}

// HandleWS upgrades the connection and pumps events until the client goes
// away. The first frame is always a state snapshot.
func (h *Hub) HandleWS(c *gin.Context, snapshot func() call.Snapshot) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "httpapi").Msg("ws upgrade")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "httpapi").Str("sid", c.GetString("client_token")).Msg("event feed attached")

	snap := snapshot()
	if data, err := json.Marshal(Event{Type: "state", State: &snap}); err == nil {
		client.send <- data
	}

	go func() {
		defer h.detach(client)
		for data := range client.send {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	// Reads only detect the close; the feed is one-directional.
	go func() {
		defer h.detach(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) detach(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
