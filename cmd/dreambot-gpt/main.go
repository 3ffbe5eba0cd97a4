package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/backend/gpt"
	"github.com/cmsj/dreambot/internal/cli"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

const exampleJSON = `Example JSON config:
{
    "gpt": {
        "api_key": "abc123",
        "organization": "dreambot",
        "model": "gpt-4"
    },
    "nats_uri": [ "nats://nats-1:4222", "nats://nats-2:4222" ]
}`

func main() {
	app := cli.New("BackendGPT", exampleJSON)
	os.Exit(app.Run(os.Args[1:], buildWorkers))
}

func buildWorkers(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error) {
	if !cfg.GPTEnabled() {
		return nil, fmt.Errorf("no gpt api_key in JSON config")
	}
	if cfg.GPT.Model == "" {
		return nil, fmt.Errorf("no gpt model in JSON config")
	}
	return []worker.Worker{gpt.New(cfg, logger, met)}, nil
}
