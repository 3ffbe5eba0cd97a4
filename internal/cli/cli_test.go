package cli

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	app := New("TestCLI", "")

	opts, err := app.parseArgs([]string{"-c", "somefile.json"})
	require.NoError(t, err)
	assert.Equal(t, "somefile.json", opts.configPath)
	assert.False(t, opts.debug)
	assert.False(t, opts.quiet)
}

func TestParseArgs_LongFlags(t *testing.T) {
	app := New("TestCLI", "")

	opts, err := app.parseArgs([]string{"--config", "somefile.json", "--debug"})
	require.NoError(t, err)
	assert.Equal(t, "somefile.json", opts.configPath)
	assert.True(t, opts.debug)
}

func TestParseArgs_MissingConfig(t *testing.T) {
	app := New("TestCLI", "")

	_, err := app.parseArgs(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--config")
}

func TestParseArgs_Help(t *testing.T) {
	app := New("TestCLI", "")

	_, err := app.parseArgs([]string{"--help"})
	assert.Equal(t, pflag.ErrHelp, err)
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	app := New("TestCLI", "")

	_, err := app.parseArgs([]string{"--frobnicate"})
	require.Error(t, err)
	assert.NotEqual(t, pflag.ErrHelp, err)
}

func TestUsage_IncludesExampleConfig(t *testing.T) {
	example := `Example JSON config:
{
    "nats_uri": [ "nats://nats:4222" ]
}`
	app := New("TestCLI", example)

	usage := app.usage()
	assert.Contains(t, usage, "Dreambot TestCLI")
	assert.Contains(t, usage, "--config")
	assert.Contains(t, usage, "--debug")
	assert.Contains(t, usage, "--quiet")
	assert.Contains(t, usage, example)
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name string
		opts options
		want zerolog.Level
	}{
		{"default is info", options{}, zerolog.InfoLevel},
		{"debug flag", options{debug: true}, zerolog.DebugLevel},
		{"quiet flag", options{quiet: true}, zerolog.ErrorLevel},
		{"debug beats quiet", options{debug: true, quiet: true}, zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, logLevel(&tt.opts))
		})
	}
}

func TestToggleDebug(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	assert.Equal(t, zerolog.DebugLevel, toggleDebug())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	assert.Equal(t, zerolog.InfoLevel, toggleDebug())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
