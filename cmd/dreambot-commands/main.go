package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/backend/commands"
	"github.com/cmsj/dreambot/internal/cli"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

const exampleJSON = `Example JSON config:
{
    "nats_uri": [ "nats://nats-1:4222", "nats://nats-2:4222" ]
}`

func main() {
	app := cli.New("BackendCommands", exampleJSON)
	os.Exit(app.Run(os.Args[1:], buildWorkers))
}

func buildWorkers(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error) {
	return []worker.Worker{commands.New(cfg, logger, met)}, nil
}
