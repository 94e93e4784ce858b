// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/exp/slog"
)

func newLogger(cfg Config, console io.Writer) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.New(slog.NewTextHandler(console, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

// hexAttr formats an address attribute.
func hexAttr[T ~uint64](key string, v T) slog.Attr {
	return slog.String(key, fmt.Sprintf("%#x", uint64(v)))
}

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
