package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/choraleia/persona/pkg/utils"
)

// WSMessage is the JSON message sent over WebSocket.
type WSMessage struct {
	Event string          `json:"event"`          // Event name (e.g., "turn.reflected")
	Data  json.RawMessage `json:"data,omitempty"` // Event payload
	TS    int64           `json:"ts"`             // Timestamp (Unix ms)
}

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 5 * time.Second
	wsSendBuffer   = 64
)

// WSHandler handles WebSocket connections for event notifications.
type WSHandler struct {
	emitter  *Emitter
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates a WebSocket handler streaming events of emitter.
func NewWSHandler(emitter *Emitter, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		emitter: emitter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: utils.OrDiscard(logger),
	}
}

// Filter selects the events a client receives.
type Filter struct {
	Events    map[string]bool
	PersonaID string
	UserID    string
}

// ParseFilter reads the events, persona_id and user_id query parameters.
func ParseFilter(c *gin.Context) Filter {
	f := Filter{
		PersonaID: strings.TrimSpace(c.Query("persona_id")),
		UserID:    strings.TrimSpace(c.Query("user_id")),
	}
	if eventsParam := c.Query("events"); eventsParam != "" {
		f.Events = make(map[string]bool)
		for _, e := range strings.Split(eventsParam, ",") {
			if e = strings.TrimSpace(e); e != "" {
				f.Events[e] = true
			}
		}
	}
	return f
}

// Match reports whether ev passes the filter. Persona-wide events match any
// user of that persona.
func (f Filter) Match(ev Event) bool {
	if f.Events != nil && !f.Events[ev.EventName()] {
		return false
	}
	if f.PersonaID == "" && f.UserID == "" {
		return true
	}
	sc, ok := ev.(Scoped)
	if !ok {
		return true
	}
	personaID, userID := sc.Scope()
	if f.PersonaID != "" && personaID != f.PersonaID {
		return false
	}
	if f.UserID != "" && userID != "" && userID != f.UserID {
		return false
	}
	return true
}

// Handle is the Gin handler for WebSocket connections.
// Query params:
//   - events: comma-separated event names to subscribe (empty = all)
//   - persona_id, user_id: limit to one conversation
//
// Example: /api/v1/events/ws?events=turn.reflected,topic.compressed&persona_id=p1&user_id=u1
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := ParseFilter(c)
	sendCh := make(chan WSMessage, wsSendBuffer)
	unsubscribe := h.emitter.OnAny(func(ev Event) {
		if !filter.Match(ev) {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("Encode websocket event", "event", ev.EventName(), "error", err)
			return
		}
		select {
		case sendCh <- WSMessage{Event: ev.EventName(), Data: data, TS: time.Now().UnixMilli()}:
		default:
			h.logger.Warn("Dropped websocket event, buffer full", "event", ev.EventName())
		}
	})
	defer unsubscribe()

	h.logger.Debug("Event subscriber connected", "personaID", filter.PersonaID, "userID", filter.UserID)
	err = h.pump(c.Request.Context(), conn, sendCh, readUntilClosed(conn))
	h.logger.Debug("Event subscriber disconnected", "personaID", filter.PersonaID, "userID", filter.UserID, "error", err)
}

// readUntilClosed drains client frames so pongs and close frames are
// processed. The returned channel closes when the connection dies.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

// pump is the only writer of conn.
func (h *WSHandler) pump(ctx context.Context, conn *websocket.Conn, sendCh <-chan WSMessage, closed <-chan struct{}) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return nil
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case msg := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}
