package invokeai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	derrors "github.com/cmsj/dreambot/internal/errors"
	"github.com/cmsj/dreambot/internal/imaging"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/promptargs"
	"github.com/cmsj/dreambot/internal/worker"
)

const httpTimeout = 30 * time.Second

// pushClient is the slice of Client the backend drives, split out so tests
// can stand in a fake.
type pushClient interface {
	Run(ctx context.Context) error
	Close()
	Connected() bool
	Events() <-chan Event
	Subscribe(session string) error
	Unsubscribe(session string) error
}

// Backend generates images with InvokeAI. Requests become session graphs
// submitted over HTTP; completion arrives on the push channel and is
// correlated back to the stored envelope by session id.
type Backend struct {
	worker.Base

	cfg    *config.Config
	logger zerolog.Logger
	met    *metrics.Metrics

	apiURL string
	httpc  *http.Client
	client pushClient

	mu       sync.Mutex
	requests map[string]*envelope.Envelope
	results  map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the InvokeAI backend from the service endpoint in cfg.
func New(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Backend {
	log := logger.With().Str("component", "invokeai").Logger()
	b := &Backend{
		cfg:      cfg,
		logger:   log,
		met:      met,
		apiURL:   cfg.InvokeAI.URL() + "/api/v1/",
		httpc:    &http.Client{Timeout: httpTimeout},
		requests: make(map[string]*envelope.Envelope),
		results:  make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	b.client = NewClient(pushURL(cfg.InvokeAI), log, met)
	b.Init("invokeai", "", worker.EndBackend)
	return b
}

func pushURL(svc config.Service) string {
	return fmt.Sprintf("ws://%s:%s/ws/socket.io", svc.Host, svc.Port)
}

// Boot starts the push channel and drains its mailbox until Shutdown. The
// worker counts as booted once the drain loop is up; push channel outages
// surface per request as redeliveries instead.
func (b *Backend) Boot(ctx context.Context) error {
	b.logger.Info().Str("api", b.apiURL).Msg("invokeai backend starting")

	go func() {
		if err := b.client.Run(ctx); err != nil {
			b.logger.Error().Err(err).Msg("push channel loop ended")
		}
	}()

	b.SetBooted(true)
	defer b.SetBooted(false)

	for {
		select {
		case evt := <-b.client.Events():
			b.handleEvent(ctx, evt)
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			return nil
		}
	}
}

// Shutdown stops the drain loop and closes the push channel. Idempotent.
func (b *Backend) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.client.Close()
	})
}

// Receive handles one image request: parse prompt flags, build and submit
// the session graph, then reply with a progress note while the push channel
// waits for completion.
func (b *Backend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	b.logger.Info().Str("envelope", env.String()).Msg("workload received")

	req, err := parseRequest(env.Trigger, env.Prompt)
	if err != nil {
		var usage *promptargs.UsageError
		if errors.As(err, &usage) {
			env.SetUsage(usage.Help)
			return true, b.Send(ctx, env)
		}
		env.SetError(fmt.Sprintf("Something is wrong with your arguments, try %s --help (%v)", env.Trigger, err))
		return true, b.Send(ctx, env)
	}
	if env.ImageURL != "" {
		req.ImageURL = env.ImageURL
	}

	if !b.client.Connected() {
		env.SetError("Not connected to InvokeAI right now, I'll try again later")
		if err := b.Send(ctx, env); err != nil {
			b.logger.Error().Err(err).Msg("reply publish failed")
		}
		return false, nil
	}

	if err := b.submit(ctx, env, req); err != nil {
		b.logger.Error().Err(err).Msg("submission failed")
		b.met.RecordBackendError("invokeai", errorCategory(err))
		env.SetError(replyError(err))
		return true, b.Send(ctx, env)
	}

	env.SetNone("Waiting for InvokeAI to generate a response...")
	return true, b.Send(ctx, env)
}

// submit builds the graph, creates the session, registers the envelope for
// correlation and kicks off execution. The same envelope is stored and
// replied to now, so the progress reply set after return travels with the
// cached entry and is cleared again at completion.
func (b *Backend) submit(ctx context.Context, env *envelope.Envelope, req *request) error {
	g, err := b.buildGraph(ctx, req)
	if err != nil {
		return err
	}

	sessionID, err := b.createSession(ctx, g)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.requests[sessionID] = env
	b.mu.Unlock()

	if err := b.client.Subscribe(sessionID); err != nil {
		b.logger.Warn().Err(err).Str("session", sessionID).Msg("subscribe failed, will replay on reconnect")
	}

	if err := b.invokeSession(ctx, sessionID); err != nil {
		b.mu.Lock()
		delete(b.requests, sessionID)
		b.mu.Unlock()
		if uerr := b.client.Unsubscribe(sessionID); uerr != nil {
			b.logger.Warn().Err(uerr).Str("session", sessionID).Msg("unsubscribe failed")
		}
		return err
	}

	b.logger.Info().Str("session", sessionID).Str("user", env.User).Msg("session invoked")
	return nil
}

func (b *Backend) createSession(ctx context.Context, g *sessionGraph) (string, error) {
	payload, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode graph: %w", err)
	}
	b.logger.Debug().RawJSON("graph", payload).Msg("posting session graph")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"sessions/", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", derrors.NewAPIError("invokeai", resp.StatusCode, resp.Status)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("session response carried no id")
	}
	return out.ID, nil
}

func (b *Backend) invokeSession(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%ssessions/%s/invoke?all=true", b.apiURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}

	resp, err := b.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("invoke session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return derrors.NewAPIError("invokeai", resp.StatusCode, resp.Status)
	}
	return nil
}

func (b *Backend) fetchResult(ctx context.Context, imageName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiURL+"images/results/"+imageName, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, derrors.NewAPIError("invokeai", resp.StatusCode, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// handleEvent routes one push event. Only three event kinds matter: result
// recording, terminal completion and terminal failure.
func (b *Backend) handleEvent(ctx context.Context, evt Event) {
	switch evt.Name {
	case EventInvocationComplete:
		b.recordResult(evt)
	case EventGraphComplete:
		b.finishSession(ctx, evt.Data.GraphExecutionStateID)
	case EventInvocationError:
		b.failSession(ctx, evt.Data.GraphExecutionStateID)
	default:
		b.logger.Debug().Str("event", evt.Name).Msg("ignoring push event")
	}
}

// recordResult keeps the latest completed invocation per session. The graph
// ends in the upscale node, so the last completion is the final image.
func (b *Backend) recordResult(evt Event) {
	sessionID := evt.Data.GraphExecutionStateID
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	b.results[sessionID] = evt.Data.Result.Image.ImageName
	b.mu.Unlock()
	b.logger.Debug().Str("session", sessionID).Str("image_name", evt.Data.Result.Image.ImageName).Msg("invocation complete")
}

func (b *Backend) finishSession(ctx context.Context, sessionID string) {
	b.logger.Info().Str("session", sessionID).Msg("graph execution complete")
	if err := b.client.Unsubscribe(sessionID); err != nil {
		b.logger.Warn().Err(err).Str("session", sessionID).Msg("unsubscribe failed")
	}

	env, imageName, ok := b.pop(sessionID)
	if !ok {
		b.logger.Error().Str("session", sessionID).Msg("completion for unknown session")
		return
	}
	env.ClearReply()

	if imageName == "" {
		b.logger.Error().Str("session", sessionID).Msg("no completed invocation recorded")
		b.reply(ctx, env)
		return
	}

	data, err := b.fetchResult(ctx, imageName)
	if err != nil {
		b.logger.Error().Err(err).Str("session", sessionID).Msg("result fetch failed")
		b.met.RecordBackendError("invokeai", errorCategory(err))
		env.SetError(replyError(err))
		b.reply(ctx, env)
		return
	}

	env.SetImage(data)
	b.logger.Info().Str("to", env.To).Str("channel", env.Channel).Str("user", env.User).Msg("sending image reply")
	b.reply(ctx, env)
}

func (b *Backend) failSession(ctx context.Context, sessionID string) {
	b.logger.Error().Str("session", sessionID).Msg("invocation error")
	b.met.RecordBackendError("invokeai", "pipeline")
	if err := b.client.Unsubscribe(sessionID); err != nil {
		b.logger.Warn().Err(err).Str("session", sessionID).Msg("unsubscribe failed")
	}

	env, _, ok := b.pop(sessionID)
	if !ok {
		b.logger.Error().Str("session", sessionID).Msg("failure for unknown session")
		return
	}
	env.ClearReply()
	env.SetError("InvokeAI pipeline failure, contact your bot admin")
	b.reply(ctx, env)
}

// pop removes and returns the correlation entry for a session.
func (b *Backend) pop(sessionID string) (*envelope.Envelope, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	env, ok := b.requests[sessionID]
	delete(b.requests, sessionID)
	imageName := b.results[sessionID]
	delete(b.results, sessionID)
	return env, imageName, ok
}

func (b *Backend) reply(ctx context.Context, env *envelope.Envelope) {
	if err := b.Send(ctx, env); err != nil {
		b.logger.Error().Err(err).Msg("reply publish failed")
	}
}

func replyError(err error) string {
	var imgErr *imaging.Error
	var apiErr *derrors.APIError
	switch {
	case errors.As(err, &imgErr):
		return imgErr.Error()
	case errors.As(err, &apiErr):
		return "Error from InvokeAI: " + apiErr.Message
	default:
		return "Unknown error: " + err.Error()
	}
}

func errorCategory(err error) string {
	var apiErr *derrors.APIError
	switch {
	case errors.Is(err, derrors.ErrImageFetch):
		return "image_fetch"
	case errors.As(err, &apiErr):
		return "upstream"
	default:
		return "unknown"
	}
}
