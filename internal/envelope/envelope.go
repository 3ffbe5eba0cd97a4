// Package envelope defines the request/reply message carried across the bus.
//
// On the wire an envelope is a flat JSON object. A frontend fills in the
// routing and context fields when a trigger matches; a backend sets exactly
// one reply field and sends the envelope back. Keys this package does not
// know about are preserved verbatim so processes of different vintages can
// share a stream.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire keys for the reply fields. Exactly one is present on a reply.
const (
	keyReplyText  = "reply-text"
	keyReplyImage = "reply-image"
	keyReplyNone  = "reply-none"
	keyError      = "error"
	keyUsage      = "usage"
)

// imagePlaceholder replaces reply-image contents in anything logged.
const imagePlaceholder = "** IMAGE **"

// ReplyKind enumerates the mutually exclusive reply states of an envelope.
type ReplyKind int

const (
	ReplyUnset ReplyKind = iota
	ReplyText
	ReplyImage
	ReplyNone
	ReplyError
	ReplyUsage
)

// Reply is the sum-typed reply portion of an envelope. Text carries the
// payload for every kind except ReplyImage, which uses Image (raw bytes,
// base64-encoded on the wire).
type Reply struct {
	Kind  ReplyKind
	Text  string
	Image []byte
}

// Envelope is one request and, once a backend has answered, its reply.
type Envelope struct {
	To       string
	ReplyTo  string
	Trigger  string
	Prompt   string
	Frontend string

	// Context fields. Backends must carry these through untouched so the
	// originating frontend can deliver the reply to the right place.
	Server        string
	Channel       string
	User          string
	ChannelName   string
	ServerName    string
	ServerID      string
	UserName      string
	OriginMessage string
	ImageURL      string

	Reply Reply

	// Extra holds unknown wire keys, passed through untouched.
	Extra map[string]json.RawMessage
}

// SetText sets a text reply, clearing any previous reply field.
func (e *Envelope) SetText(text string) { e.Reply = Reply{Kind: ReplyText, Text: text} }

// SetImage sets an image reply from raw bytes, clearing any previous reply field.
func (e *Envelope) SetImage(data []byte) { e.Reply = Reply{Kind: ReplyImage, Image: data} }

// SetNone marks the request as accepted with no user-visible reply yet.
func (e *Envelope) SetNone(note string) { e.Reply = Reply{Kind: ReplyNone, Text: note} }

// SetError sets an error reply, clearing any previous reply field.
func (e *Envelope) SetError(msg string) { e.Reply = Reply{Kind: ReplyError, Text: msg} }

// SetUsage sets a usage (help text) reply, clearing any previous reply field.
func (e *Envelope) SetUsage(text string) { e.Reply = Reply{Kind: ReplyUsage, Text: text} }

// ClearReply removes any reply field, returning the envelope to request state.
func (e *Envelope) ClearReply() { e.Reply = Reply{} }

// knownKeys are the wire keys decoded into struct fields; everything else
// lands in Extra.
var knownKeys = map[string]bool{
	"to": true, "reply-to": true, "trigger": true, "prompt": true,
	"frontend": true, "server": true, "channel": true, "user": true,
	"channel_name": true, "server_name": true, "server_id": true,
	"user_name": true, "origin_message": true, "image_url": true,
	keyReplyText: true, keyReplyImage: true, keyReplyNone: true,
	keyError: true, keyUsage: true,
}

// MarshalJSON emits the flat wire layout. Empty context fields are omitted;
// unknown keys from Extra are emitted verbatim.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Extra)+16)
	for k, v := range e.Extra {
		out[k] = v
	}

	putString := func(key, val string) {
		if val == "" {
			return
		}
		raw, _ := json.Marshal(val)
		out[key] = raw
	}

	putString("to", e.To)
	putString("reply-to", e.ReplyTo)
	putString("trigger", e.Trigger)
	putString("prompt", e.Prompt)
	putString("frontend", e.Frontend)
	putString("server", e.Server)
	putString("channel", e.Channel)
	putString("user", e.User)
	putString("channel_name", e.ChannelName)
	putString("server_name", e.ServerName)
	putString("server_id", e.ServerID)
	putString("user_name", e.UserName)
	putString("origin_message", e.OriginMessage)
	putString("image_url", e.ImageURL)

	switch e.Reply.Kind {
	case ReplyText:
		putString(keyReplyText, e.Reply.Text)
	case ReplyImage:
		putString(keyReplyImage, base64.StdEncoding.EncodeToString(e.Reply.Image))
	case ReplyNone:
		putString(keyReplyNone, e.Reply.Text)
	case ReplyError:
		putString(keyError, e.Reply.Text)
	case ReplyUsage:
		putString(keyUsage, e.Reply.Text)
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes the flat wire layout. Context ids tolerate JSON
// numbers (legacy producers sent platform-native integer ids) and are
// carried as strings.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("envelope is not a JSON object: %w", err)
	}

	*e = Envelope{}

	var err error
	str := func(key string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = flexString(raw[key])
		if err != nil {
			err = fmt.Errorf("envelope key %q: %w", key, err)
		}
		return s
	}

	e.To = str("to")
	e.ReplyTo = str("reply-to")
	e.Trigger = str("trigger")
	e.Prompt = str("prompt")
	e.Frontend = str("frontend")
	e.Server = str("server")
	e.Channel = str("channel")
	e.User = str("user")
	e.ChannelName = str("channel_name")
	e.ServerName = str("server_name")
	e.ServerID = str("server_id")
	e.UserName = str("user_name")
	e.OriginMessage = str("origin_message")
	e.ImageURL = str("image_url")
	if err != nil {
		return err
	}

	switch {
	case raw[keyReplyImage] != nil:
		var enc string
		if err := json.Unmarshal(raw[keyReplyImage], &enc); err != nil {
			return fmt.Errorf("envelope key %q: %w", keyReplyImage, err)
		}
		img, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("envelope key %q: %w", keyReplyImage, err)
		}
		e.Reply = Reply{Kind: ReplyImage, Image: img}
	case raw[keyReplyText] != nil:
		s, err := flexString(raw[keyReplyText])
		if err != nil {
			return err
		}
		e.Reply = Reply{Kind: ReplyText, Text: s}
	case raw[keyReplyNone] != nil:
		s, err := flexString(raw[keyReplyNone])
		if err != nil {
			return err
		}
		e.Reply = Reply{Kind: ReplyNone, Text: s}
	case raw[keyError] != nil:
		s, err := flexString(raw[keyError])
		if err != nil {
			return err
		}
		e.Reply = Reply{Kind: ReplyError, Text: s}
	case raw[keyUsage] != nil:
		s, err := flexString(raw[keyUsage])
		if err != nil {
			return err
		}
		e.Reply = Reply{Kind: ReplyUsage, Text: s}
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}

	return nil
}

// String renders the envelope as JSON with reply-image contents redacted.
// All envelope logging goes through this; the image bytes are never encoded.
func (e *Envelope) String() string {
	redacted := *e
	if e.Reply.Kind == ReplyImage {
		redacted.Reply = Reply{}
	}
	data, err := redacted.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<unencodable envelope: %v>", err)
	}
	if e.Reply.Kind != ReplyImage {
		return string(data)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return string(data)
	}
	placeholder, _ := json.Marshal(imagePlaceholder)
	m[keyReplyImage] = placeholder
	out, err := json.Marshal(m)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// flexString decodes a JSON string or number into a Go string. Missing or
// null values decode to "".
func flexString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", raw)
	}
	return n.String(), nil
}
