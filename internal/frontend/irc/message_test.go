package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "no prefix",
			line: "PRIVMSG #channel :hello world",
			want: Message{Command: "PRIVMSG", Params: []string{"#channel", "hello world"}},
		},
		{
			name: "full prefix",
			line: ":nick!user@host PRIVMSG #channel :hello world",
			want: Message{
				Prefix:  &Prefix{Nick: "nick", Ident: "user", Host: "host"},
				Command: "PRIVMSG",
				Params:  []string{"#channel", "hello world"},
			},
		},
		{
			name: "server prefix",
			line: ":irc.example.com 001 nick :Welcome to the Internet Relay Network nick",
			want: Message{
				Prefix:  &Prefix{Nick: "irc.example.com"},
				Command: "001",
				Params:  []string{"nick", "Welcome to the Internet Relay Network nick"},
			},
		},
		{
			name: "nick with special characters",
			line: ":SomeUser`^!some@1.2.3.4 PRIVMSG #channel :Some message",
			want: Message{
				Prefix:  &Prefix{Nick: "SomeUser`^", Ident: "some", Host: "1.2.3.4"},
				Command: "PRIVMSG",
				Params:  []string{"#channel", "Some message"},
			},
		},
		{
			name: "host without ident",
			line: ":OtherUser@2.3.4.5 PRIVMSG #channel :Other message",
			want: Message{
				Prefix:  &Prefix{Nick: "OtherUser", Host: "2.3.4.5"},
				Command: "PRIVMSG",
				Params:  []string{"#channel", "Other message"},
			},
		},
		{
			name: "command is uppercased",
			line: "ping :abc123",
			want: Message{Command: "PING", Params: []string{"abc123"}},
		},
		{
			name: "multiple middle params",
			line: "MODE #channel +o nick",
			want: Message{Command: "MODE", Params: []string{"#channel", "+o", "nick"}},
		},
		{
			name: "command with no params",
			line: "001",
			want: Message{Command: "001"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLine_Errors(t *testing.T) {
	for _, line := range []string{"", "   ", ":::::::::", ":prefix.only"} {
		_, err := ParseLine(line)
		assert.Error(t, err, "line %q should not parse", line)
	}
}

func TestMessage_Helpers(t *testing.T) {
	msg, err := ParseLine(":nick!user@host PRIVMSG #channel :hi")
	require.NoError(t, err)
	assert.Equal(t, "nick!user@host", msg.FullIdent())
	assert.Equal(t, "nick", msg.Source())
	assert.Equal(t, "#channel", msg.Target())
}

func TestMessage_TargetPrivateMessage(t *testing.T) {
	msg, err := ParseLine(":nick!user@host PRIVMSG mybot :hi")
	require.NoError(t, err)
	assert.Equal(t, "nick", msg.Target())
}

func TestMessage_NoPrefixFallbacks(t *testing.T) {
	msg, err := ParseLine("PING :abc123")
	require.NoError(t, err)
	assert.Equal(t, "???!???@???", msg.FullIdent())
	assert.Equal(t, "???", msg.Source())
}
