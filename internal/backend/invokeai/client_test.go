package invokeai

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

	derrors "github.com/cmsj/dreambot/internal/errors"
	"github.com/cmsj/dreambot/internal/metrics"
)

// pushServer is an httptest websocket endpoint standing in for the InvokeAI
// push channel.
type pushServer struct {
	t      *testing.T
	server *httptest.Server

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames chan pushFrame
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		t:        t,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		frames:   make(chan pushFrame, 16),
	}
	ps.server = httptest.NewServer(http.HandlerFunc(ps.handleWS))
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http")
}

func (ps *pushServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ps.mu.Lock()
	ps.conns = append(ps.conns, conn)
	ps.mu.Unlock()

	for {
		var frame pushFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		ps.frames <- frame
	}
}

func (ps *pushServer) send(t *testing.T, frame pushFrame) {
	t.Helper()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	require.NotEmpty(t, ps.conns)
	require.NoError(t, ps.conns[len(ps.conns)-1].WriteJSON(frame))
}

func (ps *pushServer) nextFrame(t *testing.T) pushFrame {
	t.Helper()
	select {
	case frame := <-ps.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return pushFrame{}
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(url, zerolog.Nop(), metrics.New())
	t.Cleanup(c.Close)
	return c
}

func TestClient_ReceivesEvents(t *testing.T) {
	ps := newPushServer(t)
	c := newTestClient(t, ps.url())

	go c.Run(context.Background())
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	data, err := json.Marshal(map[string]any{
		"graph_execution_state_id": "sess-1",
		"result":                   map[string]any{"image": map[string]any{"image_name": "img-1.png"}},
	})
	require.NoError(t, err)
	ps.send(t, pushFrame{Event: EventInvocationComplete, Data: data})

	select {
	case evt := <-c.Events():
		assert.Equal(t, EventInvocationComplete, evt.Name)
		assert.Equal(t, "sess-1", evt.Data.GraphExecutionStateID)
		assert.Equal(t, "img-1.png", evt.Data.Result.Image.ImageName)
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")
	}
}

func TestClient_SubscribeFrames(t *testing.T) {
	ps := newPushServer(t)
	c := newTestClient(t, ps.url())

	go c.Run(context.Background())
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Subscribe("sess-1"))
	frame := ps.nextFrame(t)
	assert.Equal(t, subscribeEvent, frame.Event)
	assert.JSONEq(t, `{"session": "sess-1"}`, string(frame.Data))

	require.NoError(t, c.Unsubscribe("sess-1"))
	frame = ps.nextFrame(t)
	assert.Equal(t, unsubscribeEvent, frame.Event)
	assert.JSONEq(t, `{"session": "sess-1"}`, string(frame.Data))
}

func TestClient_EmitWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:0/ws/socket.io", zerolog.Nop(), metrics.New())
	assert.ErrorIs(t, c.Subscribe("sess-1"), derrors.ErrNotConnected)
}

func TestClient_ReplaysSubscriptionsOnConnect(t *testing.T) {
	ps := newPushServer(t)
	c := newTestClient(t, ps.url())

	// A subscription made before the channel is up is queued for replay.
	require.ErrorIs(t, c.Subscribe("sess-1"), derrors.ErrNotConnected)

	go c.Run(context.Background())

	frame := ps.nextFrame(t)
	assert.Equal(t, subscribeEvent, frame.Event)
	assert.JSONEq(t, `{"session": "sess-1"}`, string(frame.Data))
}

func TestClient_CloseStopsRun(t *testing.T) {
	ps := newPushServer(t)
	c := NewClient(ps.url(), zerolog.Nop(), metrics.New())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	c.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after close")
	}
	assert.False(t, c.Connected())
}

func TestClient_ContextCancelStopsRun(t *testing.T) {
	ps := newPushServer(t)
	c := newTestClient(t, ps.url())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after context cancellation")
	}
}
