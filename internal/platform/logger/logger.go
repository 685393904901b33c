package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/masq"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContentKey is a "KID:KEY" decryption key. Values of this type are redacted
// by every logger returned from New.
type ContentKey string

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error (default info)
	Format string // json or text (default json)

	// File, when set, sends logs to a rotating file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a structured logger for opts. Logs never go to stdout, which
// carries the media stream.
func New(opts Options) *slog.Logger {
	return NewWithWriter(opts, writerFor(opts))
}

// NewWithWriter returns a structured logger writing to w.
func NewWithWriter(opts Options, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: masq.New(masq.WithType[ContentKey]()),
	}

	var h slog.Handler
	if strings.ToLower(opts.Format) == "text" {
		h = slog.NewTextHandler(w, hopts)
	} else {
		h = slog.NewJSONHandler(w, hopts)
	}

	return slog.New(h)
}

// ParseLevel maps "debug", "warn"/"warning" and "error" to slog levels;
// anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Keys converts raw key strings so they are redacted when logged.
func Keys(raw []string) []ContentKey {
	out := make([]ContentKey, len(raw))
	for i, k := range raw {
		out[i] = ContentKey(k)
	}
	return out
}

func writerFor(opts Options) io.Writer {
	if opts.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}
