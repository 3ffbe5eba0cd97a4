// Package invokeai implements the InvokeAI image backend: pipeline graphs
// are POSTed to the HTTP API and results arrive asynchronously over a
// websocket push channel, correlated back to the originating envelope by
// session id.
package invokeai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	derrors "github.com/cmsj/dreambot/internal/errors"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/retry"
)

const (
	dialTimeout   = 10 * time.Second
	reconnectWait = retry.DefaultInterval
	pingInterval  = 30 * time.Second
	pongTimeout   = 10 * time.Second
	eventBuffer   = 16

	subscribeEvent   = "subscribe"
	unsubscribeEvent = "unsubscribe"
)

// Push event names InvokeAI emits for a running session.
const (
	EventInvocationComplete = "invocation_complete"
	EventGraphComplete      = "graph_execution_state_complete"
	EventInvocationError    = "invocation_error"
)

// pushFrame is the wire form of one push channel message, in both
// directions: events from the server, subscribe/unsubscribe from us.
type pushFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// sessionRef addresses one session in subscribe/unsubscribe frames.
type sessionRef struct {
	Session string `json:"session"`
}

// Event is one push notification, decoded down to the fields the backend
// reads.
type Event struct {
	Name string
	Data EventData
}

// EventData carries the correlation id and, for completed invocations, the
// result image reference.
type EventData struct {
	GraphExecutionStateID string `json:"graph_execution_state_id"`
	Result                struct {
		Image struct {
			ImageName string `json:"image_name"`
			ImageType string `json:"image_type"`
		} `json:"image"`
	} `json:"result"`
}

// Client maintains the websocket push channel to InvokeAI. Inbound events
// land in a mailbox channel the backend drains on its own goroutine; the
// read loop never publishes anything itself.
type Client struct {
	url    string
	logger zerolog.Logger
	met    *metrics.Metrics

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	sessions  map[string]struct{}

	events chan Event

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient builds a push channel client for the given websocket URL.
func NewClient(url string, logger zerolog.Logger, met *metrics.Metrics) *Client {
	return &Client{
		url:      url,
		logger:   logger.With().Str("component", "invokeai-push").Logger(),
		met:      met,
		sessions: make(map[string]struct{}),
		events:   make(chan Event, eventBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Run dials the push channel and keeps it alive on a flat reconnect
// cadence. It blocks until Close or context cancellation.
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.stopping(ctx) {
			return nil
		}
		if err := c.runOnce(ctx); err != nil {
			c.logger.Error().Err(err).Msg("push channel failed")
		}
		if c.stopping(ctx) {
			return nil
		}
		c.met.RecordReconnect("invokeai")
		c.logger.Info().Dur("wait", reconnectWait).Msg("reconnecting to invokeai")
		if !retry.Wait(ctx, reconnectWait) {
			return nil
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	live := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		live = append(live, id)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Info().Str("url", c.url).Msg("connected to invokeai push channel")

	// Sessions subscribed before a reconnect are still waiting on events.
	for _, id := range live {
		if err := c.emit(subscribeEvent, sessionRef{Session: id}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", id, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.supervise(ctx, conn, stop)

	for {
		var frame pushFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if c.stopping(ctx) {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		c.dispatch(ctx, frame)
	}
}

// supervise keeps the connection pinged and closes it when the client is
// shutting down, which unblocks the read loop.
func (c *Client) supervise(ctx context.Context, conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close()
			return
		case <-c.stopCh:
			conn.Close()
			return
		case <-stop:
			return
		}
	}
}

func (c *Client) dispatch(ctx context.Context, frame pushFrame) {
	if frame.Event == "" {
		return
	}
	evt := Event{Name: frame.Event}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &evt.Data); err != nil {
			c.logger.Warn().Err(err).Str("event", frame.Event).Msg("undecodable push event")
			return
		}
	}
	select {
	case c.events <- evt:
	case <-c.stopCh:
	case <-ctx.Done():
	}
}

// Subscribe registers interest in a session's events. The subscription is
// replayed if the channel reconnects before Unsubscribe.
func (c *Client) Subscribe(session string) error {
	c.mu.Lock()
	c.sessions[session] = struct{}{}
	c.mu.Unlock()
	return c.emit(subscribeEvent, sessionRef{Session: session})
}

// Unsubscribe drops interest in a session's events.
func (c *Client) Unsubscribe(session string) error {
	c.mu.Lock()
	delete(c.sessions, session)
	c.mu.Unlock()
	return c.emit(unsubscribeEvent, sessionRef{Session: session})
}

func (c *Client) emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return derrors.ErrNotConnected
	}
	return c.conn.WriteJSON(pushFrame{Event: event, Data: payload})
}

// Events returns the mailbox the backend drains.
func (c *Client) Events() <-chan Event { return c.events }

// Connected reports whether the push channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the channel down and stops Run. Idempotent.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
