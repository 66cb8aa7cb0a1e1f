package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/isolation"
	"github.com/weftlabs/weft/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell.exec tool.
type ShellConfig struct {
	Isolator       isolation.Isolator
	DefaultTimeout time.Duration
	DefaultLimits  isolation.ResourceLimits
	MaxOutputSize  int64
}

// ShellTools returns all shell-related tools.
func ShellTools(cfg ShellConfig) []Tool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = &isolation.FallbackIsolator{}
	}
	return []Tool{
		&shellExecTool{cfg: cfg},
	}
}

// --- JSON Schemas ---

const shellExecInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

const shellExecOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "stdout_raw": {"type": "string", "description": "always the raw string output"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "duration_ms": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

// --- shellExecTool ---

type shellExecTool struct {
	cfg ShellConfig
}

func (a *shellExecTool) Name() string { return "shell.exec" }

func (a *shellExecTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Execute a system command with process isolation, capturing stdout, stderr, and exit code.",
		InputSchema:  json.RawMessage(shellExecInputSchema),
		OutputSchema: json.RawMessage(shellExecOutputSchema),
	}
}

func (a *shellExecTool) Validate(params map[string]any) error {
	cmd := stringParam(params, "command", "")
	if cmd == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}
	return nil
}

func (a *shellExecTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	timeoutStr := stringParam(params, "timeout", "")
	shellMode := boolParam(params, "shell", false)

	// Build exec.Cmd.
	var cmd *exec.Cmd
	if shellMode {
		// Join command and args into a single shell string.
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.Command(command, args...)
	}

	// Set working directory (validate path first).
	if cwd != "" {
		if err := a.cfg.DefaultLimits.ValidatePath(cwd, isolation.PathAccessRead); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePermissionDenied, "shell.exec: cwd path denied: %v", err).WithCause(err)
		}
		cmd.Dir = cwd
	}

	// Set environment: inherit current env + user overrides.
	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	// Set stdin.
	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	// Parse timeout.
	timeout := a.cfg.DefaultTimeout
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}

	// Create timeout context so we can detect kills via ctx.Err().
	// Pass Timeout=0 to the isolator since we manage the deadline ourselves.
	execCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	// Build resource limits from defaults (timeout handled by our context).
	limits := a.cfg.DefaultLimits
	limits.Timeout = 0

	// Wrap with isolator.
	wrapped, cleanup, err := a.cfg.Isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "shell.exec: isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	// Set up stdout/stderr capture with size limits.
	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	// Execute.
	start := time.Now()
	runErr := wrapped.Run()
	durationMs := time.Since(start).Milliseconds()

	// Extract exit code and killed status.
	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Non-exit error (e.g., command not found).
			return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "shell.exec: %v", runErr).WithCause(runErr)
		}
		// Detect timeout kill via the context we own.
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout if it's valid JSON, for consistent envelope payloads
	// (mirrors http.request which auto-parses JSON bodies).
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	// Marshal output.
	result := map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "shell.exec: failed to marshal output").WithCause(err)
	}
	return &Result{Data: json.RawMessage(data)}, nil
}

// --- limitedWriter ---

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // Capture original length before any truncation.
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
