package logger

import (
	"context"
	"io"
	"log/slog"
)

// levelColors are the ANSI codes prepended per level when the "color"
// format is selected. Intended for interactive use of the CLI, not for the
// rotated log file.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

const colorReset = "\033[0m"

// colorHandler wraps slog.TextHandler, coloring the level prefix.
type colorHandler struct {
	*slog.TextHandler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = colorReset
	}
	r.Message = code + r.Level.String() + colorReset + " " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
