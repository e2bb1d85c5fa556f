// Package logging configures the structured logger shared by the node and its
// subsystems. Every component logs through a child of the root log15 logger
// tagged with its component name, and emits named events with key/value
// context:
//
//	log := logging.New("supervisor")
//	log.Info("plugin_loaded", "plugin", "storage", "handle", id)
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/inconshreveable/log15"
)

// Format selects the log line encoding.
type Format string

const (
	FormatLogfmt Format = "logfmt"
	FormatJSON   Format = "json"
)

// Config controls the root handler.
type Config struct {
	Level  string `yaml:"level,omitempty"`
	Format Format `yaml:"format,omitempty"`
}

// Setup installs the root handler writing to w. An empty level defaults to
// info and an empty format to logfmt.
func Setup(cfg Config, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var format log15.Format
	switch cfg.Format {
	case "", FormatLogfmt:
		format = log15.LogfmtFormat()
	case FormatJSON:
		format = log15.JsonFormat()
	default:
		return fmt.Errorf("invalid log format %q (must be 'logfmt' or 'json')", cfg.Format)
	}

	log15.Root().SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(w, format)))
	return nil
}

// New returns a logger tagged with the component name.
func New(component string, ctx ...interface{}) log15.Logger {
	return log15.New(append([]interface{}{"component", component}, ctx...)...)
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

// Writer adapts a logger into an io.Writer that logs each written chunk as a
// diagnostic line. Used to forward the raw output of worker processes.
func Writer(l log15.Logger, stream string) io.Writer {
	return &lineWriter{log: l, stream: stream}
}

type lineWriter struct {
	log    log15.Logger
	stream string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := indexNewline(w.buf)
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if line == "" {
			continue
		}
		if w.stream == "stderr" {
			w.log.Warn("plugin_output", "stream", w.stream, "line", line)
		} else {
			w.log.Info("plugin_output", "stream", w.stream, "line", line)
		}
	}
	return len(p), nil
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}
