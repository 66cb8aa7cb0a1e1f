//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the best isolator this platform supports. Outside
// Linux there is no kernel-level sandboxing, so shell tools run under the
// timeout-only fallback.
func NewIsolator() (Isolator, error) {
	slog.Warn("isolation: kernel sandboxing unavailable on this platform, shell tools run with timeout enforcement only")
	return NewFallbackIsolator(), nil
}
