// Package common provides the shared logging and redaction utilities for the
// phimask engine. Logging is built on logrus with an output splitter that
// routes error-level records to stderr while all other levels go to stdout,
// so orchestration scripts can capture failures separately from progress
// output.
//
// All pipeline packages log through the global Logger with structured fields
// (collection, batch_id, doc_id, path) rather than formatted strings, keeping
// the records machine-parseable for the verification tooling that runs after
// a masking pass.
package common

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutputSplitter routes formatted log records to stdout or stderr based on
// their level marker. Error records go to stderr for immediate attention;
// everything else goes to stdout for general processing.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted record for the
// logrus error-level marker in both text ("level=error") and JSON
// ("\"level\":\"error\"") output formats.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by every phimask package.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// LogOptions configures the global logger at startup.
type LogOptions struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is "json" or "text".
	Format string

	// File, when non-empty, mirrors all records to a rotating log file in
	// addition to the stdout/stderr splitter.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays control rotation of File.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ConfigureLogger applies the given options to the global Logger.
// An unknown level is rejected rather than silently defaulted, since a typo
// in APP_LOG_LEVEL would otherwise hide debug output the operator asked for.
func ConfigureLogger(opts LogOptions) error {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	Logger.SetLevel(level)

	switch opts.Format {
	case "", "text":
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	var out io.Writer = &OutputSplitter{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		out = io.MultiWriter(out, rotator)
	}
	Logger.SetOutput(out)

	return nil
}
