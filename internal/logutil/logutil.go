// Package logutil wires the engine's structured logger: slog with a
// custom handler that fans out to stdout and, optionally, a rotating
// log file.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls rotating file output.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config controls logger construction.
type Config struct {
	Level string // debug, info, warn, error
	JSON  bool
	File  FileConfig
}

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// Init builds the default slog logger from cfg and installs it as
// slog.Default(). Returns the io.Closer for the rotating file writer, if
// one was configured (nil otherwise).
func Init(cfg Config) io.Closer {
	level := ParseLevel(cfg.Level)
	handlerMutex.Lock()
	globalLevel = level
	handlerMutex.Unlock()

	outputs := []io.Writer{os.Stdout}
	var closer io.Closer
	if cfg.File.Enabled && cfg.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    orDefault(cfg.File.MaxSizeMB, 100),
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		outputs = append(outputs, lj)
		closer = lj
	}

	handler := &fanoutHandler{outs: outputs, json: cfg.JSON}
	slog.SetDefault(slog.New(handler))
	return closer
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel parses a level string, defaulting to info on unrecognized input.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// fanoutHandler writes formatted records to every configured writer,
// gated by the process-wide level.
type fanoutHandler struct {
	outs []io.Writer
	json bool
	mu   sync.Mutex
}

func (h *fanoutHandler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

func (h *fanoutHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	timestamp := record.Time.Format("2006-01-02T15:04:05.000Z07:00")
	var line string
	if h.json {
		line = jsonLine(timestamp, record)
	} else {
		line = textLine(timestamp, record)
	}

	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

func textLine(timestamp string, record slog.Record) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(timestamp)
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)
	record.Attrs(func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	})
	b.WriteString("\n")
	return b.String()
}

func jsonLine(timestamp string, record slog.Record) string {
	var b strings.Builder
	b.WriteString(`{"time":"`)
	b.WriteString(timestamp)
	b.WriteString(`","level":"`)
	b.WriteString(strings.ToLower(record.Level.String()))
	b.WriteString(`","msg":"`)
	b.WriteString(strings.ReplaceAll(record.Message, `"`, `\"`))
	b.WriteString(`"`)
	record.Attrs(func(a slog.Attr) bool {
		b.WriteString(`,"`)
		b.WriteString(a.Key)
		b.WriteString(`":"`)
		b.WriteString(strings.ReplaceAll(a.Value.String(), `"`, `\"`))
		b.WriteString(`"`)
		return true
	})
	b.WriteString("}\n")
	return b.String()
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &attrHandler{parent: h, attrs: attrs}
}

func (h *fanoutHandler) WithGroup(_ string) slog.Handler {
	return h
}

// attrHandler is a thin wrapper binding pre-set attributes, used by
// slog.Logger.With(...).
type attrHandler struct {
	parent *fanoutHandler
	attrs  []slog.Attr
}

func (a *attrHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return a.parent.Enabled(ctx, level)
}

func (a *attrHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, attr := range a.attrs {
		record.AddAttrs(attr)
	}
	return a.parent.Handle(ctx, record)
}

func (a *attrHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &attrHandler{parent: a.parent, attrs: append(append([]slog.Attr{}, a.attrs...), attrs...)}
}

func (a *attrHandler) WithGroup(name string) slog.Handler {
	return a.parent.WithGroup(name)
}
