// Package logging builds the editor's structured logger: a colorized
// stderr handler is always present, and is fanned out via
// github.com/samber/slog-multi to an optional JSON trace-file handler when
// the caller asks for one.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
)

var (
	levelColor = map[slog.Level]*color.Color{
		slog.LevelDebug: color.New(color.FgHiBlack),
		slog.LevelInfo:  color.New(color.FgCyan),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold),
		slog.LevelError: color.New(color.FgRed, color.Bold),
	}
	componentColor = color.New(color.FgWhite, color.Bold)
)

// textHandler is a minimal slog.Handler that writes colorized single-line
// records to an io.Writer.
type textHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func newTextHandler(w io.Writer, level slog.Level) *textHandler {
	return &textHandler{w: w, level: level}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	c, ok := levelColor[r.Level]
	if !ok {
		c = color.New(color.Reset)
	}

	line := fmt.Sprintf("%s %s", c.Sprintf("[%s]", r.Level), r.Message)
	for _, a := range h.attrs {
		line += " " + componentColor.Sprintf("%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += " " + componentColor.Sprintf("%s=%v", a.Key, a.Value)
		return true
	})

	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *textHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Setup builds the editor's logger. When traceFile is non-empty, every
// record is also appended there as JSON, regardless of verbosity, so a
// session can be replayed after the fact.
func Setup(verbose bool, traceFile string) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{newTextHandler(os.Stderr, level)}
	closer := func() {}

	if traceFile != "" {
		f, err := os.OpenFile(traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = func() { _ = f.Close() }
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	return logger, closer, nil
}
