// Package discord implements the Discord frontend. Trigger phrases in guild
// channels and DMs become bus envelopes; replies are threaded back to the
// originating message, with a reaction marking whether the request was
// accepted.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/retry"
	"github.com/cmsj/dreambot/internal/worker"
)

const (
	reconnectWait = retry.DefaultInterval
	imageSuffix   = ".png"

	reactionAccepted = "\U0001F44D" // thumbs up
	reactionFailed   = "\U0001F44E" // thumbs down

	// dmChannelName marks envelopes that originate from a direct message.
	dmChannelName = "DM"
)

// session is the slice of discordgo.Session the frontend uses, split out so
// tests can substitute a fake.
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
}

// Frontend is the Discord connection acting as a bus worker.
type Frontend struct {
	worker.Base

	cfg    *config.Config
	logger zerolog.Logger
	met    *metrics.Metrics

	mu           sync.Mutex
	session      session
	channelNames map[string]string
	guildNames   map[string]string

	newSession func(token string) (session, error)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the Discord frontend.
func New(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Frontend {
	f := &Frontend{
		cfg:          cfg,
		logger:       logger.With().Str("component", "discord").Logger(),
		met:          met,
		channelNames: make(map[string]string),
		guildNames:   make(map[string]string),
		newSession:   newDiscordSession,
		stopCh:       make(chan struct{}),
	}
	f.Init("discord", "", worker.EndFrontend)
	return f
}

func newDiscordSession(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	return s, nil
}

// Boot opens the Discord gateway session, retrying on a flat cadence until
// it opens, then blocks until Shutdown or context cancellation. The SDK
// maintains the websocket itself after the first successful open.
func (f *Frontend) Boot(ctx context.Context) error {
	for {
		if f.stopping(ctx) {
			return nil
		}
		if err := f.connect(ctx); err != nil {
			f.logger.Error().Err(err).Msg("discord connection failed")
			f.met.RecordReconnect("discord")
			if !retry.Wait(ctx, reconnectWait) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
		case <-f.stopCh:
		}
		f.disconnect()
		return nil
	}
}

func (f *Frontend) connect(ctx context.Context) error {
	s, err := f.newSession(f.cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		f.logger.Info().Msg("discord connection established")
		f.SetBooted(true)
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		f.logger.Warn().Msg("discord connection lost, session is reconnecting")
		f.SetBooted(false)
		f.met.RecordReconnect("discord")
	})
	s.AddHandler(func(ds *discordgo.Session, m *discordgo.MessageCreate) {
		f.handleMessage(ctx, ownUserID(ds), m)
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	f.mu.Lock()
	f.session = s
	f.mu.Unlock()
	return nil
}

// Shutdown closes the gateway session and unblocks Boot. Idempotent.
func (f *Frontend) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.disconnect()
	})
}

func (f *Frontend) disconnect() {
	f.mu.Lock()
	s := f.session
	f.session = nil
	f.mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("discord close failed")
		}
	}
	f.SetBooted(false)
}

// handleMessage dispatches a chat message that starts with a configured
// trigger word. Our own messages are discarded.
func (f *Frontend) handleMessage(ctx context.Context, selfID string, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == selfID {
		return
	}
	text := m.Content

	for trigger, to := range f.cfg.Triggers {
		if !strings.HasPrefix(text, trigger+" ") {
			continue
		}

		env := &envelope.Envelope{
			To:            to,
			ReplyTo:       f.Address(),
			Trigger:       trigger,
			Prompt:        text[len(trigger)+1:],
			Frontend:      "discord",
			Channel:       m.ChannelID,
			ChannelName:   f.channelName(m.ChannelID),
			User:          m.Author.ID,
			UserName:      m.Author.Username,
			OriginMessage: m.ID,
			ServerName:    dmChannelName,
		}
		if m.GuildID != "" {
			env.ServerName = f.guildName(m.GuildID)
			env.ServerID = m.GuildID
		}
		env.ImageURL = inputImageURL(m.Message)

		f.logger.Info().Str("server", env.ServerName).Str("channel", env.ChannelName).
			Str("user", env.UserName).Str("text", text).Msg("trigger matched")

		if err := f.Send(ctx, env); err != nil {
			f.logger.Error().Err(err).Str("trigger", trigger).Msg("publish failed")
			f.react(m.ChannelID, m.ID, reactionFailed)
			continue
		}
		f.react(m.ChannelID, m.ID, reactionAccepted)
	}
}

// Receive renders one backend reply as a threaded Discord message. Lookup
// and delivery failures are acked; only a not-ready session defers.
func (f *Frontend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	s := f.currentSession()
	if s == nil || !f.Booted() {
		f.logger.Error().Msg("discord not ready, deferring reply")
		return false, nil
	}

	channelID := env.Channel
	if env.ChannelName == dmChannelName {
		ch, err := s.UserChannelCreate(env.User)
		if err != nil {
			return true, fmt.Errorf("create dm channel for user %s: %w", env.User, err)
		}
		channelID = ch.ID
	}

	origin, err := s.ChannelMessage(channelID, env.OriginMessage)
	if err != nil {
		return true, fmt.Errorf("fetch origin message %s: %w", env.OriginMessage, err)
	}

	send := &discordgo.MessageSend{Reference: origin.Reference()}
	switch env.Reply.Kind {
	case envelope.ReplyImage:
		send.Content = "I dreamed this:"
		send.Files = []*discordgo.File{{
			Name:        worker.CleanFilename(env.Prompt, imageSuffix),
			ContentType: "image/png",
			Reader:      bytes.NewReader(env.Reply.Image),
		}}
	case envelope.ReplyText:
		send.Content = env.Reply.Text
	case envelope.ReplyNone:
		f.logger.Info().Str("channel", env.ChannelName).Str("user", env.UserName).
			Str("note", env.Reply.Text).Msg("backend still working, nothing to deliver")
		return true, nil
	case envelope.ReplyError:
		send.Content = "Dream sequence collapsed: " + env.Reply.Text
	case envelope.ReplyUsage:
		send.Content = env.Reply.Text
	default:
		f.logger.Error().Str("envelope", env.String()).Msg("reply carries no reply field")
		send.Content = "Dream sequence collapsed, unknown reason."
	}

	f.logger.Info().Str("channel", env.ChannelName).Str("user", env.UserName).Msg("delivering reply")
	if _, err := s.ChannelMessageSendComplex(channelID, send); err != nil {
		return true, fmt.Errorf("send reply: %w", err)
	}
	return true, nil
}

// channelName resolves a channel id to its display name, caching results.
// DMs have no name; those and lookup failures come back as "DM".
func (f *Frontend) channelName(channelID string) string {
	f.mu.Lock()
	if name, ok := f.channelNames[channelID]; ok {
		f.mu.Unlock()
		return name
	}
	s := f.session
	f.mu.Unlock()

	name := dmChannelName
	if s != nil {
		if ch, err := s.Channel(channelID); err == nil && ch.Name != "" {
			name = ch.Name
		}
	}

	f.mu.Lock()
	f.channelNames[channelID] = name
	f.mu.Unlock()
	return name
}

// guildName resolves a guild id to its name, caching results.
func (f *Frontend) guildName(guildID string) string {
	f.mu.Lock()
	if name, ok := f.guildNames[guildID]; ok {
		f.mu.Unlock()
		return name
	}
	s := f.session
	f.mu.Unlock()

	name := "unknown"
	if s != nil {
		if g, err := s.Guild(guildID); err == nil && g.Name != "" {
			name = g.Name
		}
	}

	f.mu.Lock()
	f.guildNames[guildID] = name
	f.mu.Unlock()
	return name
}

func (f *Frontend) react(channelID, messageID, emoji string) {
	s := f.currentSession()
	if s == nil {
		return
	}
	if err := s.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		f.logger.Warn().Err(err).Msg("reaction failed")
	}
}

func (f *Frontend) currentSession() session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
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

func ownUserID(s *discordgo.Session) string {
	if s == nil || s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

// inputImageURL picks the image a request starts from: the first image
// attachment, or failing that the first embed image.
func inputImageURL(m *discordgo.Message) string {
	if m == nil {
		return ""
	}
	for _, att := range m.Attachments {
		if att != nil && strings.HasPrefix(att.ContentType, "image/") {
			return att.URL
		}
	}
	if len(m.Embeds) > 0 && m.Embeds[0].Image != nil {
		return m.Embeds[0].Image.URL
	}
	return ""
}
