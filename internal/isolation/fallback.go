package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator runs commands with plain os/exec plus a deadline. It
// enforces the timeout from ResourceLimits and nothing else; every
// capability reports false so callers can tell no sandbox is in place.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap rebuilds the command on a context so cancellation actually kills the
// process: exec.Cmd.Cancel is only honored for commands created through
// exec.CommandContext. Callers must run the returned command, not the
// original, and must invoke cleanup once the process has finished.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	// CommandContext re-resolves Args[0]; keep the caller's argv as-is.
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	// Give the pipes a moment to drain after the kill.
	wrapped.WaitDelay = 5 * time.Second

	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}
	return wrapped, cleanup, nil
}

// Capabilities reports no sandboxing at all.
func (f *FallbackIsolator) Capabilities() IsolatorCaps {
	return IsolatorCaps{}
}
