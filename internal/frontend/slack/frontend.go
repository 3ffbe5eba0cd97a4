// Package slack implements the Slack frontend over Socket Mode. Trigger
// phrases in channels and DMs become bus envelopes; replies are posted back
// to the originating channel, with a reaction on the original message
// marking acceptance or failure.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/retry"
	"github.com/cmsj/dreambot/internal/worker"
)

const (
	reconnectWait = retry.DefaultInterval
	imageSuffix   = ".png"

	reactionAccepted = "thumbsup"
	reactionFailed   = "thumbsdown"

	dmChannelName = "DM"
)

// api abstracts the Slack Web API client so tests can substitute a fake.
type api interface {
	AuthTest() (*slack.AuthTestResponse, error)
	GetUserInfo(user string) (*slack.User, error)
	GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetTeamInfo() (*slack.TeamInfo, error)
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	AddReaction(name string, item slack.ItemRef) error
	UploadFileV2(params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

// socketClient is the slice of socketmode.Client the frontend drives.
type socketClient interface {
	Ack(req socketmode.Request, payload ...interface{})
	RunContext(ctx context.Context) error
}

// Frontend is the Slack connection acting as a bus worker.
type Frontend struct {
	worker.Base

	cfg    *config.Config
	logger zerolog.Logger
	met    *metrics.Metrics

	mu           sync.Mutex
	api          api
	selfID       string
	teamName     string
	teamID       string
	userNames    map[string]string
	channelNames map[string]string

	newClient func(botToken, appToken string) (api, socketClient, chan socketmode.Event)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the Slack frontend.
func New(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Frontend {
	f := &Frontend{
		cfg:          cfg,
		logger:       logger.With().Str("component", "slack").Logger(),
		met:          met,
		userNames:    make(map[string]string),
		channelNames: make(map[string]string),
		newClient:    newSocketClient,
		stopCh:       make(chan struct{}),
	}
	f.Init("slack", "", worker.EndFrontend)
	return f
}

func newSocketClient(botToken, appToken string) (api, socketClient, chan socketmode.Event) {
	client := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	socket := socketmode.New(client)
	return client, socket, socket.Events
}

// Boot runs the Socket Mode connection, reconnecting on a flat cadence when
// it fails. It blocks until Shutdown or context cancellation.
func (f *Frontend) Boot(ctx context.Context) error {
	for {
		if f.stopping(ctx) {
			return nil
		}
		if err := f.runOnce(ctx); err != nil {
			f.logger.Error().Err(err).Msg("slack connection failed")
		}
		f.SetBooted(false)
		if f.stopping(ctx) {
			return nil
		}
		f.met.RecordReconnect("slack")
		f.logger.Info().Dur("wait", reconnectWait).Msg("reconnecting to slack")
		if !retry.Wait(ctx, reconnectWait) {
			return nil
		}
	}
}

func (f *Frontend) runOnce(ctx context.Context) error {
	client, socket, events := f.newClient(f.cfg.Slack.Token, f.cfg.Slack.SocketModeToken)

	auth, err := client.AuthTest()
	if err != nil {
		return fmt.Errorf("auth test: %w", err)
	}

	f.mu.Lock()
	f.api = client
	f.selfID = auth.UserID
	f.mu.Unlock()

	f.logger.Info().Str("team", auth.Team).Str("user_id", auth.UserID).
		Msg("slack connection established")
	f.SetBooted(true)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	go func() {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				f.handleEvent(runCtx, socket, evt)
			case <-runCtx.Done():
				return
			}
		}
	}()

	err = socket.RunContext(runCtx)
	if runCtx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops the Socket Mode loop. Idempotent.
func (f *Frontend) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
}

// handleEvent routes one Socket Mode event. Events API payloads must be
// acked within Slack's deadline, so that happens before any processing.
func (f *Frontend) handleEvent(ctx context.Context, socket socketClient, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		f.logger.Info().Msg("socket mode connected")
	case socketmode.EventTypeConnectionError:
		f.logger.Warn().Msg("socket mode connection error")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			f.logger.Warn().Str("type", string(evt.Type)).Msg("unexpected events api payload")
			return
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			f.handleMessage(ctx, ev)
		}
	default:
		f.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled socket event")
	}
}

// handleMessage dispatches a chat message that starts with a configured
// trigger word. Our own messages and message subtypes (edits, deletes) are
// discarded.
func (f *Frontend) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.SubType != "" || ev.User == f.ownID() {
		return
	}
	text := ev.Text

	for trigger, to := range f.cfg.Triggers {
		if !strings.HasPrefix(text, trigger+" ") {
			continue
		}

		env := &envelope.Envelope{
			To:            to,
			ReplyTo:       f.Address(),
			Trigger:       trigger,
			Prompt:        text[len(trigger)+1:],
			Frontend:      "slack",
			Channel:       ev.Channel,
			ChannelName:   f.channelName(ev.Channel, ev.ChannelType),
			User:          ev.User,
			UserName:      f.userName(ev.User),
			OriginMessage: ev.TimeStamp,
		}
		f.fillTeam(env)
		for _, file := range ev.Files {
			switch file.Filetype {
			case "png", "jpg", "jpeg", "gif":
				env.ImageURL = file.URLPrivate
			}
			if env.ImageURL != "" {
				break
			}
		}

		f.logger.Info().Str("server", env.ServerName).Str("channel", env.ChannelName).
			Str("user", env.UserName).Str("text", text).Msg("trigger matched")

		if err := f.Send(ctx, env); err != nil {
			f.logger.Error().Err(err).Str("trigger", trigger).Msg("publish failed")
			f.react(ev.Channel, ev.TimeStamp, reactionFailed)
			continue
		}
		f.react(ev.Channel, ev.TimeStamp, reactionAccepted)
	}
}

// Receive renders one backend reply into the originating channel.
func (f *Frontend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	client := f.client()
	if client == nil || !f.Booted() {
		f.logger.Error().Msg("slack not ready, deferring reply")
		return false, nil
	}

	var text string
	switch env.Reply.Kind {
	case envelope.ReplyImage:
		if err := f.deliverImage(client, env); err != nil {
			f.logger.Error().Err(err).Msg("image delivery failed")
			text = "Failed to upload dream image."
		} else {
			f.react(env.Channel, env.OriginMessage, reactionAccepted)
			return true, nil
		}
	case envelope.ReplyText:
		text = env.Reply.Text
	case envelope.ReplyNone:
		f.logger.Info().Str("channel", env.ChannelName).Str("user", env.UserName).
			Str("note", env.Reply.Text).Msg("backend still working, nothing to deliver")
		return true, nil
	case envelope.ReplyError:
		text = "Dream sequence collapsed: " + env.Reply.Text
	case envelope.ReplyUsage:
		text = env.Reply.Text
	default:
		f.logger.Error().Str("envelope", env.String()).Msg("reply carries no reply field")
		text = "Dream sequence collapsed, unknown reason."
	}

	f.logger.Info().Str("channel", env.ChannelName).Str("user", env.UserName).Msg("delivering reply")
	if _, _, err := client.PostMessage(env.Channel, slack.MsgOptionText(text, false)); err != nil {
		f.react(env.Channel, env.OriginMessage, reactionFailed)
		return true, fmt.Errorf("post message: %w", err)
	}
	f.react(env.Channel, env.OriginMessage, reactionAccepted)
	return true, nil
}

// deliverImage archives the image next to the web-served copies and uploads
// it to the originating channel as an attachment.
func (f *Frontend) deliverImage(client api, env *envelope.Envelope) error {
	filename := worker.CleanFilename(env.Prompt, imageSuffix)
	if f.cfg.OutputDir != "" {
		path := filepath.Join(f.cfg.OutputDir, filename)
		if err := os.WriteFile(path, env.Reply.Image, 0o644); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
	}

	_, err := client.UploadFileV2(slack.UploadFileV2Parameters{
		Reader:         bytes.NewReader(env.Reply.Image),
		FileSize:       len(env.Reply.Image),
		Filename:       filename,
		Title:          "Dream result",
		InitialComment: "I dreamed this:",
		Channel:        env.Channel,
	})
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	return nil
}

// userName resolves a user id to their real name, caching results.
func (f *Frontend) userName(userID string) string {
	f.mu.Lock()
	if name, ok := f.userNames[userID]; ok {
		f.mu.Unlock()
		return name
	}
	client := f.api
	f.mu.Unlock()

	name := userID
	if client != nil {
		if user, err := client.GetUserInfo(userID); err == nil && user.RealName != "" {
			name = user.RealName
		}
	}

	f.mu.Lock()
	f.userNames[userID] = name
	f.mu.Unlock()
	return name
}

// channelName resolves a channel id to its name, caching results. DMs and
// channels we cannot look up come back as "DM".
func (f *Frontend) channelName(channelID, channelType string) string {
	if channelType == "im" {
		return dmChannelName
	}

	f.mu.Lock()
	if name, ok := f.channelNames[channelID]; ok {
		f.mu.Unlock()
		return name
	}
	client := f.api
	f.mu.Unlock()

	name := dmChannelName
	if client != nil {
		ch, err := client.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: channelID})
		if err == nil && ch.Name != "" {
			name = ch.Name
		} else if err != nil {
			f.logger.Warn().Err(err).Str("channel", channelID).Msg("channel lookup failed")
		}
	}

	f.mu.Lock()
	f.channelNames[channelID] = name
	f.mu.Unlock()
	return name
}

// fillTeam stamps the workspace name and id on the envelope, with fixed
// fallbacks when the team lookup fails.
func (f *Frontend) fillTeam(env *envelope.Envelope) {
	f.mu.Lock()
	name, id := f.teamName, f.teamID
	client := f.api
	f.mu.Unlock()

	if name == "" && client != nil {
		if team, err := client.GetTeamInfo(); err == nil {
			name, id = team.Name, team.ID
			f.mu.Lock()
			f.teamName, f.teamID = name, id
			f.mu.Unlock()
		} else {
			f.logger.Warn().Err(err).Msg("team lookup failed")
		}
	}
	if name == "" {
		name, id = "Slack", "unknown"
	}
	env.ServerName = name
	env.ServerID = id
}

func (f *Frontend) react(channel, timestamp, name string) {
	if timestamp == "" {
		return
	}
	client := f.client()
	if client == nil {
		return
	}
	if err := client.AddReaction(name, slack.NewRefToMessage(channel, timestamp)); err != nil {
		f.logger.Warn().Err(err).Str("reaction", name).Msg("reaction failed")
	}
}

func (f *Frontend) client() api {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.api
}

func (f *Frontend) ownID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfID
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
