package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/cli"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/frontend/irc"
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
    "output_dir": "/data",
    "uri_base": "http://localhost:8080/dreams",
    "irc": [
        {
            "nickname": "dreambot",
            "ident": "dreambot",
            "realname": "I've dreamed things you people wouldn't believe",
            "host": "irc.server.com",
            "port": 6697,
            "ssl": true,
            "channels": [
                "#friends",
                "#dreambot"
            ]
        }
    ]
}`

func main() {
	app := cli.New("FrontendIRC", exampleJSON)
	os.Exit(app.Run(os.Args[1:], buildWorkers))
}

// buildWorkers creates one IRC frontend per configured server.
func buildWorkers(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error) {
	if len(cfg.IRC) == 0 {
		return nil, fmt.Errorf("no irc servers in JSON config")
	}
	if len(cfg.Triggers) == 0 {
		return nil, fmt.Errorf("no triggers in JSON config")
	}

	workers := make([]worker.Worker, 0, len(cfg.IRC))
	for _, server := range cfg.IRC {
		if server.Host == "" {
			return nil, fmt.Errorf("irc server entry has no host")
		}
		workers = append(workers, irc.New(server, cfg, logger, met))
	}
	return workers, nil
}
