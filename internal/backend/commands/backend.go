// Package commands implements small self-contained chat commands that run
// without any external service.
package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/envelope"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/promptargs"
	"github.com/cmsj/dreambot/internal/worker"
)

// Backend answers utility triggers like !chance.
type Backend struct {
	worker.Base

	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the commands backend. Arguments match the other backends so the
// launcher constructs every worker the same way.
func New(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) *Backend {
	b := &Backend{
		logger: logger.With().Str("component", "commands").Logger(),
		stopCh: make(chan struct{}),
	}
	b.Init("commands", "", worker.EndBackend)
	return b
}

// Boot reports ready immediately and blocks until Shutdown.
func (b *Backend) Boot(ctx context.Context) error {
	b.logger.Info().Msg("commands backend ready")
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

// Receive handles one command. The trigger picks the command and the rest of
// the prompt is its argument.
func (b *Backend) Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error) {
	b.logger.Info().Str("envelope", env.String()).Msg("workload received")

	prompt, err := parsePrompt(env.Trigger, env.Prompt)
	if err != nil {
		var usage *promptargs.UsageError
		if errors.As(err, &usage) {
			env.SetUsage(usage.Help)
			return true, b.Send(ctx, env)
		}
		env.SetError(fmt.Sprintf("Something is wrong with your arguments, try %s --help (%v)", env.Trigger, err))
		return true, b.Send(ctx, env)
	}

	switch env.Trigger {
	case "!chance":
		env.SetText(fmt.Sprintf("%d%% chance %s", rand.Intn(100)+1, prompt))
	default:
		env.SetText("Unknown command")
	}
	return true, b.Send(ctx, env)
}

func parsePrompt(trigger, prompt string) (string, error) {
	p := promptargs.New(trigger)
	return p.Parse(prompt)
}
