package settings

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SlogLevel returns the slog level for the configured name.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a JSON logger writing to stdout and, when File is set,
// to a size-rotated log file. The returned closer releases the file.
func (l Log) NewLogger(stdout io.Writer) (*slog.Logger, io.Closer) {
	w := stdout
	var closer io.Closer = nopCloser{}
	if l.File != "" {
		rot := &lumberjack.Logger{
			Filename:   l.File,
			MaxSize:    l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAge:     l.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(stdout, rot)
		closer = rot
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l.SlogLevel()})
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
