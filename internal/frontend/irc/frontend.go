// Package irc implements the IRC frontend: an RFC 2812 client that turns
// trigger phrases in channel messages into bus envelopes and renders the
// replies that come back as PRIVMSGs.
package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	derrors "github.com/cmsj/dreambot/internal/errors"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/retry"
	"github.com/cmsj/dreambot/internal/worker"
)

const (
	// maxLineLen is the RFC 2812 line limit minus the CRLF we append.
	maxLineLen = 510

	// readTimeout bounds how long we wait for server traffic before
	// treating the connection as dead. Servers PING well inside this.
	readTimeout = 300 * time.Second

	dialTimeout   = 30 * time.Second
	reconnectWait = 5 * time.Second

	imageSuffix = ".png"
)

// Frontend is one IRC server connection acting as a bus worker.
type Frontend struct {
	worker.Base

	server config.IRCServer
	cfg    *config.Config
	logger zerolog.Logger
	met    *metrics.Metrics

	// mu guards the connection and the identity the server knows us by.
	mu        sync.Mutex
	conn      net.Conn
	nickname  string
	fullIdent string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds an IRC frontend for one configured server block.
func New(server config.IRCServer, cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Frontend {
	f := &Frontend{
		server:   server,
		cfg:      cfg,
		logger:   logger.With().Str("component", "irc").Str("server", server.Host).Logger(),
		met:      met,
		nickname: server.Nickname,
		stopCh:   make(chan struct{}),
	}
	f.Init("irc", server.Host, worker.EndFrontend)
	return f
}

// Boot dials the server and runs the read loop, reconnecting after a short
// pause whenever the connection drops. It blocks until Shutdown is called
// or the context is cancelled.
func (f *Frontend) Boot(ctx context.Context) error {
	for {
		if f.stopping(ctx) {
			return nil
		}
		if err := f.runOnce(ctx); err != nil {
			if f.stopping(ctx) {
				return nil
			}
			f.logger.Error().Err(err).Msg("irc connection lost")
		}
		f.met.RecordReconnect("irc")
		f.logger.Info().Dur("wait", reconnectWait).Msg("reconnecting to irc")
		if !retry.Wait(ctx, reconnectWait) {
			return nil
		}
	}
}

// runOnce dials, registers, and reads lines until the connection fails.
func (f *Frontend) runOnce(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.SetBooted(false)
		f.closeConn()
	}()

	if err := f.register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	f.SetBooted(true)
	f.logger.Info().Str("nickname", f.currentNick()).Msg("irc connection established")

	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		data, err := reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleLine(ctx, data)
	}
}

func (f *Frontend) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(f.server.Host, f.server.Port.String())
	f.logger.Info().Str("addr", addr).Bool("ssl", f.server.SSL).Msg("connecting to irc server")
	dialer := net.Dialer{Timeout: dialTimeout}
	if f.server.SSL {
		tlsDialer := tls.Dialer{NetDialer: &dialer}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (f *Frontend) register() error {
	if err := f.sendLine("NICK " + f.currentNick()); err != nil {
		return err
	}
	return f.sendLine(fmt.Sprintf("USER %s * * :%s", f.server.Ident, f.server.Realname))
}

// Shutdown closes the connection and stops the reconnect loop. Idempotent.
func (f *Frontend) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.closeConn()
	})
}

// Receive renders one backend reply into PRIVMSGs. Replies are always acked:
// once rendered (or failed) there is nothing a redelivery would fix.
func (f *Frontend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	var reply string
	switch env.Reply.Kind {
	case envelope.ReplyImage:
		url, err := f.saveImage(env)
		if err != nil {
			return true, err
		}
		reply = fmt.Sprintf("%s: I dreamed this: %s", env.User, url)
	case envelope.ReplyText:
		reply = fmt.Sprintf("%s: %s", env.User, env.Reply.Text)
	case envelope.ReplyNone:
		f.logger.Info().Str("channel", env.Channel).Str("user", env.User).
			Str("note", env.Reply.Text).Msg("backend still working, nothing to deliver")
		return true, nil
	case envelope.ReplyError:
		reply = fmt.Sprintf("%s: Dream sequence collapsed: %s", env.User, env.Reply.Text)
	case envelope.ReplyUsage:
		reply = fmt.Sprintf("%s: %s", env.User, env.Reply.Text)
	default:
		f.logger.Error().Str("envelope", env.String()).Msg("reply carries no reply field")
		reply = fmt.Sprintf("%s: Dream sequence collapsed, unknown reason.", env.User)
	}

	f.logger.Info().Str("channel", env.Channel).Str("reply", reply).Msg("delivering reply")
	for _, chunk := range f.splitChunks(env.Channel, reply) {
		if err := f.sendCmd("PRIVMSG", env.Channel, chunk); err != nil {
			return true, fmt.Errorf("deliver reply: %w", err)
		}
	}
	return true, nil
}

// saveImage writes the reply image into the shared output directory and
// returns the public URL it is served from.
func (f *Frontend) saveImage(env *envelope.Envelope) (string, error) {
	filename := worker.CleanFilename(env.Prompt, imageSuffix)
	path := filepath.Join(f.cfg.OutputDir, filename)
	if err := os.WriteFile(path, env.Reply.Image, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	f.logger.Info().Str("path", path).Int("bytes", len(env.Reply.Image)).Msg("image written")
	return fmt.Sprintf("%s/%s", f.cfg.URIBase, filename), nil
}

// handleLine decodes and dispatches one raw line from the server.
func (f *Frontend) handleLine(ctx context.Context, data []byte) {
	line := strings.TrimSpace(decodeLine(data))
	if line == "" {
		return
	}

	msg, err := ParseLine(line)
	if err != nil {
		f.logger.Warn().Err(err).Str("line", line).Msg("unparseable irc line")
		return
	}
	f.logger.Debug().Str("line", line).Msg("irc receive")

	switch msg.Command {
	case "PING":
		if err := f.sendCmd("PONG", msg.Params...); err != nil {
			f.logger.Error().Err(err).Msg("pong failed")
		}
	case "001":
		f.joinChannels()
	case "443":
		f.renick()
	case "PRIVMSG":
		f.handlePrivmsg(ctx, msg)
	case "JOIN":
		f.handleJoin(msg)
	default:
		if code, err := strconv.Atoi(msg.Command); err == nil && code >= 400 {
			f.logger.Error().Str("line", line).Msg("server reported an error")
		}
	}
}

func (f *Frontend) joinChannels() {
	for _, channel := range f.server.Channels {
		if err := f.sendCmd("JOIN", channel); err != nil {
			f.logger.Error().Err(err).Str("channel", channel).Msg("join failed")
		}
	}
}

// renick appends an underscore to the nickname and registers it. Repeats as
// long as the server keeps answering 443.
func (f *Frontend) renick() {
	f.mu.Lock()
	f.nickname += "_"
	nick := f.nickname
	f.mu.Unlock()

	f.logger.Info().Str("nickname", nick).Msg("nickname in use, trying another")
	if err := f.sendLine("NICK " + nick); err != nil {
		f.logger.Error().Err(err).Msg("renick failed")
	}
}

// handleJoin captures the full ident the server echoes when we join a
// channel. That string sizes the chunk budget for outbound replies. Joins
// by other users are ignored.
func (f *Frontend) handleJoin(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Prefix == nil || msg.Prefix.Nick != f.nickname {
		return
	}
	f.fullIdent = msg.FullIdent()
	f.logger.Debug().Str("ident", f.fullIdent).Msg("learned own ident")
}

// handlePrivmsg dispatches a channel or private message that starts with a
// configured trigger word. Everything else is ignored.
func (f *Frontend) handlePrivmsg(ctx context.Context, msg Message) {
	if len(msg.Params) < 2 {
		return
	}
	source := msg.Source()
	target := msg.Target()
	text := strings.TrimLeft(msg.Params[1], " ")

	for trigger, to := range f.cfg.Triggers {
		if !strings.HasPrefix(text, trigger+" ") {
			continue
		}
		f.logger.Info().Str("channel", target).Str("user", source).
			Str("text", text).Msg("trigger matched")

		env := &envelope.Envelope{
			To:       to,
			ReplyTo:  f.Address(),
			Trigger:  trigger,
			Prompt:   text[len(trigger)+1:],
			Frontend: "irc",
			Server:   f.server.Host,
			Channel:  target,
			User:     source,
		}
		if err := f.Send(ctx, env); err != nil {
			f.logger.Error().Err(err).Str("trigger", trigger).Msg("publish failed")
			if err := f.sendCmd("PRIVMSG", target, source+": Dream sequence failed."); err != nil {
				f.logger.Error().Err(err).Msg("failure notice failed")
			}
		}
	}
}

// splitChunks splits a reply into per-line payloads that fit the RFC limit.
// The budget is 510 bytes minus the prefix the server prepends when relaying
// our message, sized with the ident learned at join time. Splits land on
// rune boundaries.
func (f *Frontend) splitChunks(target, reply string) []string {
	f.mu.Lock()
	ident := f.fullIdent
	nick := f.nickname
	f.mu.Unlock()
	if ident == "" {
		ident = fmt.Sprintf("%s!%s@%s", nick, f.server.Ident, f.server.Host)
	}

	budget := maxLineLen - len(fmt.Sprintf(":%s PRIVMSG %s :", ident, target))
	if budget < 1 {
		budget = 1
	}

	var chunks []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		for len(line) > budget {
			cut := budget
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = budget
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		chunks = append(chunks, line)
	}
	return chunks
}

// sendCmd writes one IRC command. A final parameter containing spaces is
// sent as the ":"-marked trailing parameter.
func (f *Frontend) sendCmd(cmd string, params ...string) error {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, cmd)
	parts = append(parts, params...)
	if len(params) > 0 && strings.Contains(parts[len(parts)-1], " ") {
		parts[len(parts)-1] = ":" + parts[len(parts)-1]
	}
	return f.sendLine(strings.Join(parts, " "))
}

// sendLine writes one raw line, appending CRLF. Lines over the RFC limit
// are sent anyway with a warning.
func (f *Frontend) sendLine(line string) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return derrors.ErrNotConnected
	}

	if len(line) > maxLineLen {
		f.logger.Warn().Int("length", len(line)).Msg("outbound irc line exceeds rfc limit")
	}
	f.logger.Debug().Str("line", line).Msg("irc send")
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("irc write: %w", err)
	}
	return nil
}

func (f *Frontend) currentNick() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nickname
}

func (f *Frontend) closeConn() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *Frontend) stopping(ctx context.Context) bool {
	select {
	case <-f.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// decodeLine interprets raw bytes as UTF-8, falling back to Latin-1 when
// the bytes are not valid UTF-8. Decoding never fails.
func decodeLine(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}
