package irc

import (
	"fmt"
	"strings"
)

// Prefix is the origin portion of an IRC line: nick, and when the server
// supplies them, ident and host.
type Prefix struct {
	Nick  string
	Ident string
	Host  string
}

// Message is one parsed IRC line.
type Message struct {
	Prefix  *Prefix
	Command string
	Params  []string
}

// ParseLine parses a raw IRC line per RFC 2812 section 2.3.1: an optional
// ":"-marked prefix, an uppercased command, then parameters, the last of
// which may be a ":"-marked trailing parameter containing spaces. Empty
// lines and lines with a prefix but no command are errors.
func ParseLine(line string) (Message, error) {
	var msg Message

	rest := line
	if strings.HasPrefix(rest, ":") {
		head, tail, _ := splitOnce(rest)
		if tail == "" {
			return msg, fmt.Errorf("irc line %q has a prefix but no command", line)
		}
		msg.Prefix = parsePrefix(head[1:])
		rest = tail
	}

	command, rest, _ := splitOnce(rest)
	if command == "" {
		return msg, fmt.Errorf("empty irc line")
	}
	msg.Command = strings.ToUpper(command)

	for rest != "" {
		if strings.HasPrefix(rest, ":") {
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		var param string
		param, rest, _ = splitOnce(rest)
		msg.Params = append(msg.Params, param)
	}

	return msg, nil
}

// FullIdent returns the message origin as "nick!ident@host".
func (m Message) FullIdent() string {
	if m.Prefix == nil {
		return "???!???@???"
	}
	return fmt.Sprintf("%s!%s@%s", m.Prefix.Nick, m.Prefix.Ident, m.Prefix.Host)
}

// Source returns the nick the message came from.
func (m Message) Source() string {
	if m.Prefix == nil {
		return "???"
	}
	return m.Prefix.Nick
}

// Target returns where a reply should go: the channel for channel messages,
// otherwise the sender (a private message is answered in private).
func (m Message) Target() string {
	if len(m.Params) > 0 && strings.HasPrefix(m.Params[0], "#") {
		return m.Params[0]
	}
	return m.Source()
}

// splitOnce splits s at its first run of whitespace. The remainder comes
// back with leading whitespace removed; ok is false when there was nothing
// to split on.
func splitOnce(s string) (head, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}

// parsePrefix splits "nick[!ident][@host]" into its parts. Servers identify
// themselves with a bare hostname, which lands in Nick.
func parsePrefix(s string) *Prefix {
	p := &Prefix{Nick: s}
	if nick, rest, found := strings.Cut(s, "!"); found {
		p.Nick = nick
		p.Ident = rest
		if ident, host, found := strings.Cut(rest, "@"); found {
			p.Ident = ident
			p.Host = host
		}
		return p
	}
	if nick, host, found := strings.Cut(s, "@"); found {
		p.Nick = nick
		p.Host = host
	}
	return p
}
