// Package promptargs parses option flags out of chat prompts.
//
// Prompts arrive as free text ("!gpt -t 0.5 tell me a joke") and backends
// want command-line semantics for the leading flags, without any of the
// process-oriented behaviour of a real CLI parser: nothing may be printed
// and nothing may exit. Failures surface as errors the backend turns into
// reply fields.
package promptargs

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// UsageError reports that the prompt asked for --help. Help carries the
// full usage text, destined for the envelope's usage field.
type UsageError struct {
	Help string
}

func (e *UsageError) Error() string { return e.Help }

// ArgError reports a malformed prompt: an unknown flag or a bad value.
type ArgError struct {
	Detail string
}

func (e *ArgError) Error() string { return e.Detail }

// Parser wraps a pflag set configured for prompt parsing. Backends register
// their flags through the embedded FlagSet, then call Parse with the raw
// prompt text.
type Parser struct {
	*pflag.FlagSet
	name string
}

// New creates a parser named after the worker, usually the trigger family
// ("gpt", "dream"). Interspersed parsing is off so that once prompt text
// starts, later words that look like flags stay part of the prompt.
func New(name string) *Parser {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	return &Parser{FlagSet: fs, name: name}
}

// Parse splits the prompt into words, consumes leading flags and returns
// the remaining words rejoined with single spaces. A --help request returns
// a *UsageError carrying the help text; any other failure returns an
// *ArgError with the parser's diagnostic.
func (p *Parser) Parse(prompt string) (string, error) {
	if err := p.FlagSet.Parse(strings.Fields(prompt)); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return "", &UsageError{Help: p.Help()}
		}
		return "", &ArgError{Detail: err.Error()}
	}
	return strings.Join(p.FlagSet.Args(), " "), nil
}

// Help returns the full usage text for this parser.
func (p *Parser) Help() string {
	var b strings.Builder
	fmt.Fprintf(&b, "usage: %s [flags] <prompt>\n\nflags:\n", p.name)
	b.WriteString(p.FlagUsages())
	return b.String()
}
