package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/cli"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/frontend/discord"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

const exampleJSON = `Example JSON config:
{
    "triggers": {
        "!dream": "backend.invokeai",
        "!gpt": "backend.gpt"
    },
    "nats_uri": [ "nats://nats:4222", "nats://nats2:4222" ],
    "discord": {
        "token": "abc123xyz789"
    }
}`

func main() {
	app := cli.New("FrontendDiscord", exampleJSON)
	os.Exit(app.Run(os.Args[1:], buildWorkers))
}

func buildWorkers(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error) {
	if !cfg.DiscordEnabled() {
		return nil, fmt.Errorf("no discord token in JSON config")
	}
	if len(cfg.Triggers) == 0 {
		return nil, fmt.Errorf("no triggers in JSON config")
	}
	return []worker.Worker{discord.New(cfg, logger, met)}, nil
}
