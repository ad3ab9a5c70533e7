// Package logging builds the process logger from configuration
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Options selects the level, format and destination of log output
type Options struct {
	// Level is any level logrus understands (debug, info, warn, ...)
	Level string
	// Format is "text" or "json"
	Format string
	// Output defaults to stderr
	Output io.Writer
}

// New returns a configured logger
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Newf("unknown log level %q", level)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(opts.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: !isTerminal(out)})
	default:
		return nil, errors.Newf("unsupported log format %q", opts.Format)
	}

	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
