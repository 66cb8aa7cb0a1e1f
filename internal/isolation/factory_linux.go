//go:build linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator.
// On Linux it prefers LinuxIsolator (cgroups v2); when cgroups v2 is
// unavailable it falls back to FallbackIsolator (timeout-only enforcement).
func NewIsolator() (Isolator, error) {
	iso, err := NewLinuxIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, using fallback (timeout only)", "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}
