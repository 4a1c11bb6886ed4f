package config

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter returns the destination for log output: a rotating file when
// log.file is set, stderr otherwise. Close the returned closer on exit.
func (c *Config) LogWriter() (io.Writer, io.Closer) {
	if c.Log.File == "" {
		return os.Stderr, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
	return lj, lj
}

// Logger builds a logger writing to w at the configured level. An
// unknown level falls back to info.
func (c *Config) Logger(w io.Writer, prefix string) *log.Logger {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
