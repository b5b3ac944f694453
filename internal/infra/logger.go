// README: zerolog construction; CONVOY_ENV=dev switches to the console writer.
package infra

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, strings.ToLower(os.Getenv("CONVOY_ENV")), component)
}

func newLogger(out io.Writer, env, component string) zerolog.Logger {
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("component", component).Logger()
}
