package envelope

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	e := &Envelope{
		To:            "backend.invokeai",
		ReplyTo:       "frontend.irc.example_com",
		Trigger:       "!dream",
		Prompt:        "a cat",
		Frontend:      "irc",
		Server:        "irc.example.com",
		Channel:       "#dreambot",
		User:          "alice",
		ChannelName:   "#dreambot",
		UserName:      "alice",
		OriginMessage: "12345",
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, e.To, got.To)
	assert.Equal(t, e.ReplyTo, got.ReplyTo)
	assert.Equal(t, e.Trigger, got.Trigger)
	assert.Equal(t, e.Prompt, got.Prompt)
	assert.Equal(t, e.Server, got.Server)
	assert.Equal(t, e.Channel, got.Channel)
	assert.Equal(t, e.User, got.User)
	assert.Equal(t, e.OriginMessage, got.OriginMessage)
	assert.Equal(t, ReplyUnset, got.Reply.Kind)
}

func TestUnknownKeysPreserved(t *testing.T) {
	wire := `{"to":"backend.gpt","reply-to":"frontend.irc","x-custom":{"nested":1},"another":"keep me"}`

	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(wire), &e))
	require.Contains(t, e.Extra, "x-custom")
	require.Contains(t, e.Extra, "another")

	out, err := json.Marshal(&e)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `{"nested":1}`, string(m["x-custom"]))
	assert.JSONEq(t, `"keep me"`, string(m["another"]))
}

func TestNumericIDsDecodeAsStrings(t *testing.T) {
	wire := `{"to":"backend.gpt","channel":1089072718732363847,"user":217848913,"origin_message":99,"server_id":4242}`

	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(wire), &e))
	assert.Equal(t, "1089072718732363847", e.Channel)
	assert.Equal(t, "217848913", e.User)
	assert.Equal(t, "99", e.OriginMessage)
	assert.Equal(t, "4242", e.ServerID)
}

func TestReplyFieldsAreExclusive(t *testing.T) {
	var e Envelope
	e.SetText("hello")
	assert.Equal(t, ReplyText, e.Reply.Kind)

	e.SetError("boom")
	assert.Equal(t, ReplyError, e.Reply.Kind)
	assert.Equal(t, "boom", e.Reply.Text)

	data, err := json.Marshal(&e)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "error")
	assert.NotContains(t, m, "reply-text")
}

func TestImageRoundTrip(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}

	var e Envelope
	e.To = "frontend.irc"
	e.SetImage(img)

	data, err := json.Marshal(&e)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, base64.StdEncoding.EncodeToString(img), m["reply-image"])

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ReplyImage, got.Reply.Kind)
	assert.Equal(t, img, got.Reply.Image)
}

func TestStringRedactsImage(t *testing.T) {
	var e Envelope
	e.To = "frontend.irc"
	e.User = "alice"
	e.SetImage([]byte("definitely not in the logs"))

	s := e.String()
	assert.Contains(t, s, "** IMAGE **")
	assert.NotContains(t, s, base64.StdEncoding.EncodeToString([]byte("definitely not in the logs")))
	assert.Contains(t, s, `"user":"alice"`)

	// Redaction is a view; the envelope still carries the image.
	assert.Equal(t, ReplyImage, e.Reply.Kind)
	assert.NotEmpty(t, e.Reply.Image)
}

func TestStringPlainEnvelope(t *testing.T) {
	var e Envelope
	e.To = "backend.gpt"
	e.SetText("short and sweet")

	s := e.String()
	assert.True(t, strings.HasPrefix(s, "{"))
	assert.Contains(t, s, "short and sweet")
}

func TestUnmarshalRejectsNonObject(t *testing.T) {
	var e Envelope
	assert.Error(t, json.Unmarshal([]byte(`"just a string"`), &e))
	assert.Error(t, json.Unmarshal([]byte(`[1,2,3]`), &e))
}

func TestReplyDecodePrecedence(t *testing.T) {
	// A malformed producer that set two reply fields still decodes to one.
	wire := `{"to":"frontend.irc","reply-text":"hi","error":"boom"}`

	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(wire), &e))
	assert.Equal(t, ReplyText, e.Reply.Kind)
}
