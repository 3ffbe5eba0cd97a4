package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/backend/a1111"
	"github.com/cmsj/dreambot/internal/cli"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

const exampleJSON = `Example JSON config:
{
    "a1111": {
        "host": "localhost",
        "port": "7860",
        "models": {
            "!dream": "sd_xl_turbo_1.0_fp16"
        }
    },
    "nats_uri": [ "nats://nats-1:4222", "nats://nats-2:4222" ]
}`

func main() {
	app := cli.New("BackendA1111", exampleJSON)
	os.Exit(app.Run(os.Args[1:], buildWorkers))
}

func buildWorkers(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error) {
	if cfg.A1111.Host == "" {
		return nil, fmt.Errorf("no a1111 host in JSON config")
	}
	return []worker.Worker{a1111.New(cfg, logger, met)}, nil
}
