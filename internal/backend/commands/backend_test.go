package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	"github.com/cmsj/dreambot/internal/metrics"
)

func newTestBackend(t *testing.T) (*Backend, *[]envelope.Envelope) {
	t.Helper()
	b := New(&config.Config{}, zerolog.Nop(), metrics.New())

	var sent []envelope.Envelope
	b.SetPublish(func(ctx context.Context, env *envelope.Envelope) error {
		sent = append(sent, *env)
		return nil
	})
	return b, &sent
}

func request(trigger, prompt string) *envelope.Envelope {
	return &envelope.Envelope{
		To:      "backend.commands",
		ReplyTo: "frontend.irc.host",
		Trigger: trigger,
		Prompt:  prompt,
		Server:  "host",
		Channel: "#room",
		User:    "alice",
	}
}

func TestIdentity(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.Equal(t, "backend.commands", b.Address())
}

func TestReceive_Chance(t *testing.T) {
	b, sent := newTestBackend(t)

	ack, err := b.Receive(context.Background(), "backend.commands", request("!chance", "it rains today"))
	require.NoError(t, err)
	assert.True(t, ack)

	require.Len(t, *sent, 1)
	reply := (*sent)[0]
	assert.Equal(t, "frontend.irc.host", reply.To)
	assert.Equal(t, "backend.commands", reply.ReplyTo)
	assert.Equal(t, "#room", reply.Channel)
	assert.Equal(t, "alice", reply.User)

	require.Equal(t, envelope.ReplyText, reply.Reply.Kind)
	m := regexp.MustCompile(`^(\d+)% chance it rains today$`).FindStringSubmatch(reply.Reply.Text)
	require.NotNil(t, m, "unexpected reply %q", reply.Reply.Text)
	n, err := strconv.Atoi(m[1])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 100)
}

func TestReceive_UnknownTrigger(t *testing.T) {
	b, sent := newTestBackend(t)

	ack, err := b.Receive(context.Background(), "backend.commands", request("!whatever", "some text"))
	require.NoError(t, err)
	assert.True(t, ack)

	require.Len(t, *sent, 1)
	assert.Equal(t, envelope.ReplyText, (*sent)[0].Reply.Kind)
	assert.Equal(t, "Unknown command", (*sent)[0].Reply.Text)
}

func TestReceive_HelpIsUsageNotError(t *testing.T) {
	b, sent := newTestBackend(t)

	ack, err := b.Receive(context.Background(), "backend.commands", request("!chance", "--help something"))
	require.NoError(t, err)
	assert.True(t, ack)

	require.Len(t, *sent, 1)
	reply := (*sent)[0]
	assert.Equal(t, envelope.ReplyUsage, reply.Reply.Kind)
	assert.Contains(t, reply.Reply.Text, "usage: !chance")
}

func TestReceive_PreservesContextFields(t *testing.T) {
	b, sent := newTestBackend(t)

	env := request("!chance", "of snow")
	env.OriginMessage = "12345"
	env.Extra = map[string]json.RawMessage{"custom-key": json.RawMessage(`"kept"`)}

	_, err := b.Receive(context.Background(), "backend.commands", env)
	require.NoError(t, err)

	require.Len(t, *sent, 1)
	reply := (*sent)[0]
	assert.Equal(t, "host", reply.Server)
	assert.Equal(t, "12345", reply.OriginMessage)
	assert.Equal(t, json.RawMessage(`"kept"`), reply.Extra["custom-key"])
}

func TestReceive_PublishFailureIsPoison(t *testing.T) {
	b := New(&config.Config{}, zerolog.Nop(), metrics.New())
	b.SetPublish(func(ctx context.Context, env *envelope.Envelope) error {
		return fmt.Errorf("bus is down")
	})

	ack, err := b.Receive(context.Background(), "backend.commands", request("!chance", "of rain"))
	assert.True(t, ack)
	require.Error(t, err)
}

func TestBootAndShutdown(t *testing.T) {
	b, _ := newTestBackend(t)

	done := make(chan error, 1)
	go func() { done <- b.Boot(context.Background()) }()

	require.Eventually(t, b.Booted, time.Second, 10*time.Millisecond)

	b.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("boot did not return after shutdown")
	}
	assert.False(t, b.Booted())

	b.Shutdown()
}
