package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/backend/invokeai"
	"github.com/cmsj/dreambot/internal/cli"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

const exampleJSON = `Example JSON config:
{
    "invokeai": {
        "host": "localhost",
        "port": "9090"
    },
    "nats_uri": [ "nats://nats-1:4222", "nats://nats-2:4222" ]
}`

func main() {
	app := cli.New("BackendInvokeAI", exampleJSON)
	os.Exit(app.Run(os.Args[1:], buildWorkers))
}

func buildWorkers(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error) {
	if cfg.InvokeAI.Host == "" {
		return nil, fmt.Errorf("no invokeai host in JSON config")
	}
	return []worker.Worker{invokeai.New(cfg, logger, met)}, nil
}
