// Package common provides the shared logging infrastructure for the MIDAS
// services.  Log output is routed intelligently: error-level messages go to
// stderr while other levels go to stdout, so containerized deployments can
// treat the two streams differently.  An optional rotated log file can be
// attached for long-running servers.
package common

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutputSplitter routes formatted log lines by severity: lines containing
// an error-level marker go to stderr, everything else to stdout.  It
// operates on the final formatted output, so it works with both the text
// and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the MIDAS services.  Services
// derive their own entries from it with WithFields (conventionally setting
// a "service" field) so that all output shares one configuration.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// LogConfig controls the global logger's behavior.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`

	// Format is "text" (default) or "json".
	Format string `mapstructure:"format"`

	// File, when set, duplicates log output into a rotated file.
	File string `mapstructure:"file"`

	// MaxSizeMB caps the size of the log file before rotation (default 100).
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups limits how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`
}

// ConfigureLogging applies a LogConfig to the global logger.
func ConfigureLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(defaultStr(cfg.Level, "info"))
	if err != nil {
		return err
	}
	Logger.SetLevel(level)

	if cfg.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = &OutputSplitter{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(out, rotated)
	}
	Logger.SetOutput(out)
	return nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
