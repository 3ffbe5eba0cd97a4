// Package config loads dreambot worker configuration from a JSON file, with
// environment variable overrides for anything better kept out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix scopes the environment overrides, e.g. DREAMBOT_NATS_URI.
const EnvPrefix = "dreambot"

// StringList decodes a JSON string or list of strings. The original config
// format allowed either for nats_uri.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*s = StringList{one}
	return nil
}

// Decode implements envconfig.Decoder, splitting on commas.
func (s *StringList) Decode(value string) error {
	parts := strings.Split(value, ",")
	out := make(StringList, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*s = out
	return nil
}

// Triggers decodes either a list of trigger phrases, each routing to itself
// as a bus address, or a mapping from trigger phrase to backend address.
type Triggers map[string]string

func (t *Triggers) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		m := make(Triggers, len(list))
		for _, trig := range list {
			m[trig] = trig
		}
		*t = m
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*t = m
	return nil
}

// Port decodes a JSON port given as a number or a string.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %s: %w", string(data), err)
	}
	*p = Port(n)
	return nil
}

func (p Port) String() string { return strconv.Itoa(int(p)) }

// IRCServer describes one IRC server connection.
type IRCServer struct {
	Host     string   `json:"host"`
	Port     Port     `json:"port"`
	SSL      bool     `json:"ssl"`
	Nickname string   `json:"nickname"`
	Ident    string   `json:"ident"`
	Realname string   `json:"realname"`
	Channels []string `json:"channels"`
}

// DiscordConfig holds the Discord bot credentials.
type DiscordConfig struct {
	Token string `json:"token" envconfig:"TOKEN"`
}

// SlackConfig holds the Slack bot and socket-mode credentials.
type SlackConfig struct {
	Token           string `json:"token" envconfig:"TOKEN"`
	SocketModeToken string `json:"socketModeToken" envconfig:"SOCKET_MODE_TOKEN"`
}

// GPTConfig holds the OpenAI credentials and default model.
type GPTConfig struct {
	APIKey       string `json:"api_key" envconfig:"API_KEY"`
	Organization string `json:"organization" envconfig:"ORGANIZATION"`
	Model        string `json:"model" envconfig:"MODEL"`
}

// Service locates an HTTP image service.
type Service struct {
	Host string `json:"host" envconfig:"HOST"`
	Port Port   `json:"port" envconfig:"PORT"`
}

// URL returns the service's HTTP base URL.
func (s Service) URL() string {
	return fmt.Sprintf("http://%s:%s", s.Host, s.Port)
}

// A1111Config locates the Stable Diffusion WebUI and optionally maps trigger
// phrases to model checkpoints, so "!turbo" and "!xl" can share one backend.
type A1111Config struct {
	Host   string            `json:"host" envconfig:"HOST"`
	Port   Port              `json:"port" envconfig:"PORT"`
	Models map[string]string `json:"models" ignored:"true"`
}

// URL returns the WebUI's HTTP base URL.
func (a A1111Config) URL() string {
	return fmt.Sprintf("http://%s:%s", a.Host, a.Port)
}

// Config is the union of all worker configuration. Each launcher reads the
// sections it needs and ignores the rest.
type Config struct {
	NatsURI   StringList `json:"nats_uri" envconfig:"NATS_URI"`
	Triggers  Triggers   `json:"triggers"`
	OutputDir string     `json:"output_dir" envconfig:"OUTPUT_DIR"`
	URIBase   string     `json:"uri_base" envconfig:"URI_BASE"`

	// OpsListen is the bind address for the metrics and health endpoints.
	// Empty disables the ops server.
	OpsListen string `json:"ops_listen" envconfig:"OPS_LISTEN"`

	IRC      []IRCServer   `json:"irc" ignored:"true"`
	Discord  DiscordConfig `json:"discord"`
	Slack    SlackConfig   `json:"slack"`
	GPT      GPTConfig     `json:"gpt"`
	InvokeAI Service       `json:"invokeai"`
	A1111    A1111Config   `json:"a1111"`
}

// DiscordEnabled returns true if a Discord token is configured.
func (c *Config) DiscordEnabled() bool {
	return c.Discord.Token != ""
}

// SlackEnabled returns true if both Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.Slack.Token != "" && c.Slack.SocketModeToken != ""
}

// GPTEnabled returns true if an OpenAI API key is configured.
func (c *Config) GPTEnabled() bool {
	return c.GPT.APIKey != ""
}

// Validate checks the invariants every worker needs.
func (c *Config) Validate() error {
	if len(c.NatsURI) == 0 {
		return fmt.Errorf("nats_uri not provided in JSON config")
	}
	return nil
}

// Load reads the JSON config at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
