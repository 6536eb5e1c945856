package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps the root zerolog logger used by the applications.
type Logger struct {
	zerolog.Logger
}

// New builds the root logger for the given level. Unknown levels fall back to info.
// When pretty is set, output goes through a zerolog console writer.
func New(level string, pretty bool) *Logger {
	return NewWithWriter(os.Stderr, level, pretty)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, pretty bool) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	return &Logger{
		Logger: zerolog.New(out).Level(lvl).With().Timestamp().Logger(),
	}
}

// WithComponent derives a sub-logger tagged with the component name.
func (l *Logger) WithComponent(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
