// Package gpt implements the OpenAI chat completion backend. Each request
// runs one completion; conversation history lives in an in-process LRU so
// --followup can continue an earlier exchange.
package gpt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/promptargs"
	"github.com/cmsj/dreambot/internal/worker"
)

const (
	// conversationCapacity bounds how many conversations are remembered.
	// Past it the least recently used conversation loses its history.
	conversationCapacity = 256

	defaultTemperature = 1.0

	httpTimeout = 2 * time.Minute
)

// chatModels is the fixed list reported by --list-models. The models API
// returns plenty of entries that cannot serve chat completions, so the list
// is pinned to the ones that can.
var chatModels = []string{"gpt-4", "gpt-3.5-turbo", "gpt-3.5-turbo-0301"}

// request is one parsed chat request.
type request struct {
	Prompt      string
	Model       string
	ListModels  bool
	Followup    bool
	Temperature float64
}

func parseRequest(trigger, model, prompt string) (*request, error) {
	req := &request{}
	p := promptargs.New(trigger)
	p.StringVarP(&req.Model, "model", "m", model, "model to run the completion on")
	p.BoolVarP(&req.ListModels, "list-models", "l", false, "list the available models")
	p.BoolVarP(&req.Followup, "followup", "f", false, "continue the previous conversation")
	p.Float64VarP(&req.Temperature, "temperature", "t", defaultTemperature, "sampling temperature, higher is more random")

	rest, err := p.Parse(prompt)
	if err != nil {
		return nil, err
	}
	req.Prompt = rest
	return req, nil
}

// completionClient is the slice of the OpenAI client the backend calls,
// split out so tests can stand in a fake.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Backend answers chat prompts with OpenAI completions.
type Backend struct {
	worker.Base

	cfg    *config.Config
	logger zerolog.Logger
	met    *metrics.Metrics

	client completionClient
	cache  *conversationCache

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the GPT backend from the credentials in cfg.
func New(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Backend {
	clientCfg := openai.DefaultConfig(cfg.GPT.APIKey)
	clientCfg.OrgID = cfg.GPT.Organization
	clientCfg.HTTPClient = &http.Client{Timeout: httpTimeout}

	b := &Backend{
		cfg:    cfg,
		logger: logger.With().Str("component", "gpt").Logger(),
		met:    met,
		client: openai.NewClientWithConfig(clientCfg),
		cache:  newConversationCache(conversationCapacity),
		stopCh: make(chan struct{}),
	}
	b.Init("gpt", "", worker.EndBackend)
	return b
}

// Boot reports ready and blocks until Shutdown. The OpenAI client holds no
// connection, so there is nothing to wait for.
func (b *Backend) Boot(ctx context.Context) error {
	b.logger.Info().Str("model", b.cfg.GPT.Model).Msg("gpt backend ready")
	b.SetBooted(true)
	defer b.SetBooted(false)

	select {
	case <-ctx.Done():
	case <-b.stopCh:
	}
	return nil
}

// Shutdown unblocks Boot. Idempotent.
func (b *Backend) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Receive handles one chat request: parse prompt flags, assemble the
// conversation so far and run a completion. Unless --followup is given the
// conversation restarts from the system turn.
func (b *Backend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	b.logger.Info().Str("envelope", env.String()).Msg("workload received")

	req, err := parseRequest(env.Trigger, b.cfg.GPT.Model, env.Prompt)
	if err != nil {
		var usage *promptargs.UsageError
		if errors.As(err, &usage) {
			env.SetUsage(usage.Help)
			return true, b.Send(ctx, env)
		}
		env.SetError(fmt.Sprintf("Something is wrong with your arguments, try %s --help (%v)", env.Trigger, err))
		return true, b.Send(ctx, env)
	}

	key := conversationKey{ReplyTo: env.ReplyTo, Channel: env.Channel, User: env.User}
	if req.Followup {
		b.cache.ensure(key)
	} else {
		b.cache.start(key)
	}

	// The model list goes into the conversation like any other answer so a
	// followup can refer back to it.
	if req.ListModels {
		reply := strings.Join(chatModels, ", ")
		b.cache.append(key, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: reply,
		})
		env.SetText(reply)
		return true, b.Send(ctx, env)
	}

	b.cache.append(key, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	b.logger.Info().Str("model", req.Model).Float64("temperature", req.Temperature).
		Bool("followup", req.Followup).Msg("requesting completion")

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    b.cache.history(key),
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("completion failed")
		b.met.RecordBackendError("gpt", errorCategory(err))
		env.SetError(replyError(err))
		return true, b.Send(ctx, env)
	}
	if len(resp.Choices) == 0 {
		b.met.RecordBackendError("gpt", "unknown")
		env.SetError("Unknown error: completion returned no choices")
		return true, b.Send(ctx, env)
	}

	content := resp.Choices[0].Message.Content
	b.cache.append(key, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	})

	env.SetText(content)
	b.logger.Info().Str("to", env.ReplyTo).Str("channel", env.Channel).Str("user", env.User).Msg("sending text reply")
	return true, b.Send(ctx, env)
}

func replyError(err error) string {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.HTTPStatusCode >= http.StatusInternalServerError || apiErr.HTTPStatusCode == 0:
			return fmt.Sprintf("GPT service unavailable, try again: %v", err)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests,
			apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return fmt.Sprintf("GPT service query error: %v", err)
		default:
			return fmt.Sprintf("GPT request error: %v", err)
		}
	case errors.As(err, &reqErr), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("GPT service unavailable, try again: %v", err)
	default:
		return fmt.Sprintf("Unknown error: %v", err)
	}
}

func errorCategory(err error) string {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return "upstream"
	case errors.As(err, &reqErr), errors.Is(err, context.DeadlineExceeded):
		return "transport"
	default:
		return "unknown"
	}
}
