package runtime

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Production uses JSON lines; other
// environments use the text formatter.
func NewLogger(level, env string) *log.Logger {
	return newLogger(os.Stderr, level, env)
}

func newLogger(w io.Writer, level, env string) *log.Logger {
	logger := log.New()
	logger.SetOutput(w)
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	switch strings.ToLower(env) {
	case "prod", "production":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Component scopes a logger to one subsystem.
func Component(l log.FieldLogger, name string) log.FieldLogger {
	if l == nil {
		l = log.StandardLogger()
	}
	return l.WithField("component", name)
}
