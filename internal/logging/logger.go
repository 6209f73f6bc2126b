package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger from the environment.
// POSTER_LOG_LEVEL controls the level: debug, info, warn, error (default: info).
// POSTER_LOG_FORMAT=json switches from the console writer to plain JSON lines,
// which is what CloudWatch expects from a Lambda.
func Init() {
	InitWith(os.Getenv("POSTER_LOG_LEVEL"), os.Getenv("POSTER_LOG_FORMAT"), os.Stderr)
}

// InitWith configures the global logger explicitly. Used by the CLI to honour
// --log-level.
func InitWith(level, format string, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
