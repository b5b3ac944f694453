// README: Live-connection hub keyed by worker and requester id.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"convoy/internal/infra"
	"convoy/internal/modules/location"
	"convoy/internal/types"
)

const (
	MsgUpdateLocation = "update_location"
	MsgLocationAck    = "location_ack"
	MsgError          = "error"

	sendBuffer   = 16
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
	maxFrameSize = 4096
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PositionSink accepts worker positions arriving over the socket.
type PositionSink interface {
	UpdatePosition(ctx context.Context, u location.PositionUpdate) (location.Outcome, error)
}

type locationFrame struct {
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	ObservedAt *time.Time `json:"observedAt,omitempty"`
}

type client struct {
	conn *websocket.Conn
	role string
	id   types.ID
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

type Hub struct {
	mu         sync.RWMutex
	workers    map[types.ID]map[*client]struct{}
	requesters map[types.ID]map[*client]struct{}
	positions  PositionSink
	metrics    *infra.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

func NewHub(positions PositionSink, m *infra.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		workers:    make(map[types.ID]map[*client]struct{}),
		requesters: make(map[types.ID]map[*client]struct{}),
		positions:  positions,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

func (h *Hub) index(role string) map[types.ID]map[*client]struct{} {
	if role == infra.RoleWorker {
		return h.workers
	}
	return h.requesters
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.index(c.role)
	set, ok := idx[c.id]
	if !ok {
		set = make(map[*client]struct{})
		idx[c.id] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.index(c.role)
	if set, ok := idx[c.id]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(idx, c.id)
		}
	}
	c.close()
}

// Connected reports how many live sockets id holds under role.
func (h *Hub) Connected(role string, id types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.index(role)[id])
}

// PushToWorker delivers one frame to every socket of the worker on this
// instance. It reports false when none accepted it.
func (h *Hub) PushToWorker(workerID types.ID, event string, payload any) bool {
	return h.push(infra.RoleWorker, workerID, event, payload)
}

func (h *Hub) NotifyRequester(requesterID types.ID, event string, payload any) bool {
	return h.push(infra.RoleRequester, requesterID, event, payload)
}

func (h *Hub) push(role string, id types.ID, event string, payload any) bool {
	frame, err := encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for c := range h.index(role)[id] {
		select {
		case c.send <- frame:
			delivered = true
		default:
			h.log.Warn().Str("event", event).Str("subject", string(id)).Msg("send buffer full; frame dropped")
		}
	}
	h.metrics.Push(event, delivered)
	return delivered
}

func encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Message{Type: event, Data: data})
}

// Serve owns conn until the peer disconnects or ctx ends.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, role string, id types.ID) {
	c := &client{conn: conn, role: role, id: id, send: make(chan []byte, sendBuffer)}
	h.register(c)
	log := h.log.With().Str("role", role).Str("subject", string(id)).Logger()
	log.Debug().Msg("socket connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, c)
		_ = conn.Close()
	}()

	h.readLoop(ctx, c, log)
	h.unregister(c)
	cancel()
	<-done
	log.Debug().Msg("socket closed")
}

func (h *Hub) readLoop(ctx context.Context, c *client, log zerolog.Logger) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntax *json.SyntaxError
			var typed *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typed) {
				h.reply(c, MsgError, map[string]string{"message": "malformed frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("socket read")
			}
			return
		}
		h.handle(ctx, c, msg, log)
	}
}

func (h *Hub) handle(ctx context.Context, c *client, msg Message, log zerolog.Logger) {
	switch msg.Type {
	case MsgUpdateLocation:
		if c.role != infra.RoleWorker || h.positions == nil {
			h.reply(c, MsgError, map[string]string{"message": "location updates are for workers"})
			return
		}
		var f locationFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil || f.Lat == nil || f.Lng == nil {
			h.reply(c, MsgError, map[string]string{"message": "lat and lng are required"})
			return
		}
		observed := h.now().UTC()
		if f.ObservedAt != nil {
			observed = *f.ObservedAt
		}
		out, err := h.positions.UpdatePosition(ctx, location.PositionUpdate{
			WorkerID:   c.id,
			Position:   types.Point{Lat: *f.Lat, Lng: *f.Lng},
			ObservedAt: observed,
		})
		if err != nil {
			log.Warn().Err(err).Msg("socket position update")
			h.reply(c, MsgError, map[string]string{"message": "position rejected"})
			return
		}
		h.reply(c, MsgLocationAck, map[string]bool{"accepted": out == location.Accepted})
	default:
		h.reply(c, MsgError, map[string]string{"message": "unknown message type"})
	}
}

func (h *Hub) reply(c *client, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
