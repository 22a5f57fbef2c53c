package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures Setup.
type Options struct {
	// Debug lowers the level to debug.
	Debug bool
	// Dir, when set, receives a timestamped log file next to stdout output.
	Dir string
	// Quiet raises the level to warnings.
	Quiet bool
	// Out replaces stdout; tests use it.
	Out io.Writer
}

// Setup builds the program logger. The returned close function releases the
// log file, if any.
func Setup(opts Options) (*logrus.Logger, func() error, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	switch {
	case opts.Debug:
		logger.SetLevel(logrus.DebugLevel)
	case opts.Quiet:
		logger.SetLevel(logrus.WarnLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	closer := func() error { return nil }
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		f, err := os.Create(filepath.Join(opts.Dir, fmt.Sprintf("smfplay-%s.log", ts)))
		if err != nil {
			return nil, nil, fmt.Errorf("create log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closer = f.Close
	}
	logger.SetOutput(out)
	return logger, closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
