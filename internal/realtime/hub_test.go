// README: Hub tests over real sockets.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoy/internal/events"
	"convoy/internal/infra"
	"convoy/internal/modules/location"
	"convoy/internal/types"
)

// lastSeenSink accepts strictly newer observations per worker.
type lastSeenSink struct {
	mu   sync.Mutex
	last map[types.ID]time.Time
	got  []location.PositionUpdate
}

func (s *lastSeenSink) UpdatePosition(_ context.Context, u location.PositionUpdate) (location.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
	if prev, ok := s.last[u.WorkerID]; ok && !u.ObservedAt.After(prev) {
		return location.Stale, nil
	}
	s.last[u.WorkerID] = u.ObservedAt
	return location.Accepted, nil
}

func newTestHub(t *testing.T) (*Hub, *lastSeenSink, string) {
	t.Helper()
	sink := &lastSeenSink{last: make(map[types.ID]time.Time)}
	hub := NewHub(sink, nil, zerolog.Nop())
	upgrader := websocket.Upgrader{}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(ctx, conn, r.URL.Query().Get("role"), types.ID(r.URL.Query().Get("id")))
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, base, role, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/?role="+role+"&id="+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Connected(role, types.ID(id)) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPushWithoutConnectionIsNotDelivered(t *testing.T) {
	hub := NewHub(nil, nil, zerolog.Nop())
	assert.False(t, hub.PushToWorker("w1", FrameNewAlert, map[string]string{"requestId": "r1"}))
	assert.False(t, hub.NotifyRequester("u1", FrameRequestAccepted, nil))
}

func TestPushToWorkerDelivers(t *testing.T) {
	hub, _, base := newTestHub(t)
	conn := dial(t, hub, base, infra.RoleWorker, "w1")

	assert.True(t, hub.PushToWorker("w1", FrameNewAlert, map[string]string{"requestId": "r1"}))
	msg := readFrame(t, conn)
	assert.Equal(t, FrameNewAlert, msg.Type)
	assert.JSONEq(t, `{"requestId":"r1"}`, string(msg.Data))

	assert.False(t, hub.NotifyRequester("w1", FrameRequestAccepted, nil), "roles are separate namespaces")
}

func TestInboundLocationIsAcknowledged(t *testing.T) {
	hub, sink, base := newTestHub(t)
	conn := dial(t, hub, base, infra.RoleWorker, "w1")

	t2 := time.Now().UTC().Truncate(time.Millisecond)
	t1 := t2.Add(-time.Second)
	send := func(at time.Time) Message {
		frame := map[string]any{"type": MsgUpdateLocation, "data": map[string]any{"lat": 25.03, "lng": 121.56, "observedAt": at}}
		require.NoError(t, conn.WriteJSON(frame))
		return readFrame(t, conn)
	}

	ack := send(t2)
	require.Equal(t, MsgLocationAck, ack.Type)
	assert.JSONEq(t, `{"accepted":true}`, string(ack.Data))

	ack = send(t1)
	require.Equal(t, MsgLocationAck, ack.Type)
	assert.JSONEq(t, `{"accepted":false}`, string(ack.Data))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 2)
	assert.EqualValues(t, "w1", sink.got[0].WorkerID)
	assert.InDelta(t, 25.03, sink.got[0].Position.Lat, 1e-9)
}

func TestInboundLocationDefaultsObservedAt(t *testing.T) {
	hub, sink, base := newTestHub(t)
	conn := dial(t, hub, base, infra.RoleWorker, "w2")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": MsgUpdateLocation, "data": map[string]any{"lat": 1, "lng": 2}}))
	ack := readFrame(t, conn)
	assert.Equal(t, MsgLocationAck, ack.Type)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 1)
	assert.False(t, sink.got[0].ObservedAt.IsZero())
}

func TestInboundRejections(t *testing.T) {
	hub, _, base := newTestHub(t)
	requester := dial(t, hub, base, infra.RoleRequester, "u1")
	require.NoError(t, requester.WriteJSON(map[string]any{"type": MsgUpdateLocation, "data": map[string]any{"lat": 1, "lng": 2}}))
	assert.Equal(t, MsgError, readFrame(t, requester).Type)

	worker := dial(t, hub, base, infra.RoleWorker, "w1")
	require.NoError(t, worker.WriteJSON(map[string]any{"type": MsgUpdateLocation, "data": map[string]any{"lat": 1}}))
	assert.Equal(t, MsgError, readFrame(t, worker).Type)

	require.NoError(t, worker.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MsgError, readFrame(t, worker).Type)

	require.NoError(t, worker.WriteJSON(map[string]any{"type": "dance"}))
	assert.Equal(t, MsgError, readFrame(t, worker).Type)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, _, base := newTestHub(t)
	conn := dial(t, hub, base, infra.RoleWorker, "w1")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connected(infra.RoleWorker, "w1") == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, hub.PushToWorker("w1", FrameNewAlert, nil))
}

func TestRelayRoutesEvents(t *testing.T) {
	hub, _, base := newTestHub(t)
	worker := dial(t, hub, base, infra.RoleWorker, "w1")
	requester := dial(t, hub, base, infra.RoleRequester, "u1")
	relay := hub.Relay()
	ctx := context.Background()
	payload := json.RawMessage(`{"id":"r1"}`)

	require.NoError(t, relay(ctx, events.Event{Type: events.RequestDispatched, RequestID: "r1", RequesterID: "u1", WorkerID: "w1", Payload: payload}))
	msg := readFrame(t, worker)
	assert.Equal(t, FrameNewAlert, msg.Type)
	assert.JSONEq(t, `{"id":"r1"}`, string(msg.Data))

	cases := map[string]string{
		events.RequestAccepted:  FrameRequestAccepted,
		events.RequestArrived:   FrameDriverArrived,
		events.RequestStarted:   FrameRideStarted,
		events.RequestCompleted: FrameRequestCompleted,
	}
	for typ, frame := range cases {
		require.NoError(t, relay(ctx, events.Event{Type: typ, RequestID: "r1", RequesterID: "u1", WorkerID: "w1", Payload: payload}))
		assert.Equal(t, frame, readFrame(t, requester).Type, typ)
	}

	require.NoError(t, relay(ctx, events.Event{Type: events.RequestCancelled, RequestID: "r1", RequesterID: "u1", WorkerID: "w1", Payload: payload}))
	assert.Equal(t, FrameRequestCancelled, readFrame(t, requester).Type)
	assert.Equal(t, FrameRequestCancelled, readFrame(t, worker).Type)

	// Created and refused have no live audience; absent subjects are skipped.
	assert.NoError(t, relay(ctx, events.Event{Type: events.RequestCreated, RequestID: "r2", RequesterID: "u1"}))
	assert.NoError(t, relay(ctx, events.Event{Type: events.RequestAccepted, RequestID: "r3", RequesterID: "nobody"}))
}
