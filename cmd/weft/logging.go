package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/weftlabs/weft/internal/logging"
)

// swapHandler is an slog.Handler that allows atomic handler replacement.
// Used to switch the text/JSON format or the level without rebuilding every
// derived logger.
type swapHandler struct {
	mu    sync.RWMutex
	inner slog.Handler
}

func newSwapHandler(h slog.Handler) *swapHandler {
	return &swapHandler{inner: h}
}

func (s *swapHandler) current() slog.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

// Swap replaces the underlying handler atomically.
func (s *swapHandler) Swap(h slog.Handler) {
	s.mu.Lock()
	s.inner = h
	s.mu.Unlock()
}

func (s *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.current().Enabled(ctx, level)
}

func (s *swapHandler) Handle(ctx context.Context, rec slog.Record) error {
	return s.current().Handle(ctx, rec)
}

func (s *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return s.current().WithAttrs(attrs)
}

func (s *swapHandler) WithGroup(name string) slog.Handler {
	return s.current().WithGroup(name)
}

// buildLogger creates the process logger: text or JSON per config, wrapped
// with correlation ID injection, behind a swapHandler so the format can be
// changed on config reload.
func buildLogger(cfg Config) (*slog.Logger, *swapHandler) {
	swapper := newSwapHandler(formatHandler(cfg))
	logger := slog.New(logging.NewCorrelationHandler(swapper))
	return logger, swapper
}

func formatHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
