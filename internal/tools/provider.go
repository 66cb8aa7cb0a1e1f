package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

const (
	handshakeTimeout    = 10 * time.Second
	providerCallTimeout = 30 * time.Second
	healthInterval      = 30 * time.Second
	healthErrThreshold  = 3
	stopGrace           = 5 * time.Second
	maxRestartBackoff   = 60 * time.Second
)

const (
	statusStarting  = "starting"
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusCrashed   = "crashed"
	statusStopped   = "stopped"
)

var errRequestTimeout = errors.New("request timed out")

// ProviderToolInfo describes a tool advertised by an MCP provider.
type ProviderToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ProviderManager supervises MCP provider subprocesses. Providers are
// refcounted: Acquire starts the subprocess on first use, Release stops it
// when the last holder lets go. A provider is shared by every executor whose
// active capability names it.
type ProviderManager struct {
	mu        sync.Mutex
	providers map[string]*managedProvider
	logger    *slog.Logger
}

type managedProvider struct {
	id       string
	spec     schema.ProviderSpec
	env      []string // resolved process environment, reused across restarts
	refs     int
	status   string
	errCount int
	lastErr  string
	proc     *providerProc
	cancel   context.CancelFunc
	ready    chan struct{} // closed once startup settles
	startErr error
}

// NewProviderManager creates a ProviderManager.
func NewProviderManager(logger *slog.Logger) *ProviderManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderManager{
		providers: make(map[string]*managedProvider),
		logger:    logger,
	}
}

// Acquire takes a reference on the provider, starting its subprocess and
// running the MCP handshake if it is not already up. Env values may reference
// loaded secrets as ${{secrets.KEY}}; an unresolvable reference fails the
// acquire with PERMISSION_DENIED.
func (pm *ProviderManager) Acquire(ctx context.Context, providerID string, spec schema.ProviderSpec, secrets map[string]string) error {
	pm.mu.Lock()
	mp, exists := pm.providers[providerID]
	if !exists {
		mp = &managedProvider{
			id:     providerID,
			spec:   spec,
			status: statusStarting,
			ready:  make(chan struct{}),
		}
		pm.providers[providerID] = mp
	}
	mp.refs++
	pm.mu.Unlock()

	if exists {
		select {
		case <-mp.ready:
		case <-ctx.Done():
			pm.Release(providerID)
			return ctx.Err()
		}
		pm.mu.Lock()
		err := mp.startErr
		pm.mu.Unlock()
		if err != nil {
			pm.Release(providerID)
			return err
		}
		return nil
	}

	err := pm.start(mp, secrets)

	pm.mu.Lock()
	mp.startErr = err
	if err != nil {
		mp.status = statusCrashed
		mp.lastErr = err.Error()
	} else {
		mp.status = statusHealthy
	}
	pm.mu.Unlock()
	close(mp.ready)

	if err != nil {
		pm.Release(providerID)
		return err
	}
	pm.logger.Info("provider started",
		slog.String("provider", providerID),
		slog.String("command", spec.Command),
	)
	return nil
}

// start resolves the environment, spawns the subprocess, and performs the
// MCP initialize handshake. The subprocess gets its own context so it
// outlives the acquiring call.
func (pm *ProviderManager) start(mp *managedProvider, secrets map[string]string) error {
	env, err := resolveProviderEnv(mp.spec.Env, secrets)
	if err != nil {
		return err
	}
	mp.env = env

	provCtx, cancel := context.WithCancel(context.Background())
	mp.cancel = cancel

	proc, err := startProviderProc(provCtx, mp.spec, env)
	if err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeToolExecution, "start provider %q: %v", mp.id, err).WithCause(err)
	}

	if err := handshake(proc); err != nil {
		proc.stop()
		cancel()
		return schema.NewErrorf(schema.ErrCodeToolExecution, "handshake with provider %q: %v", mp.id, err).WithCause(err)
	}

	mp.proc = proc
	go pm.healthLoop(provCtx, mp)
	return nil
}

// Release drops a reference. The subprocess is stopped once the last
// reference is gone.
func (pm *ProviderManager) Release(providerID string) {
	pm.mu.Lock()
	mp, ok := pm.providers[providerID]
	if !ok {
		pm.mu.Unlock()
		return
	}
	mp.refs--
	if mp.refs > 0 {
		pm.mu.Unlock()
		return
	}
	delete(pm.providers, providerID)
	mp.status = statusStopped
	proc := mp.proc
	mp.proc = nil
	pm.mu.Unlock()

	if proc != nil {
		proc.stop()
	}
	if mp.cancel != nil {
		mp.cancel()
	}
	pm.logger.Info("provider stopped", slog.String("provider", providerID))
}

// StopAll stops every provider regardless of refcounts. Shutdown path only.
func (pm *ProviderManager) StopAll() {
	pm.mu.Lock()
	mps := make([]*managedProvider, 0, len(pm.providers))
	for _, mp := range pm.providers {
		mps = append(mps, mp)
	}
	pm.providers = make(map[string]*managedProvider)
	pm.mu.Unlock()

	for _, mp := range mps {
		if mp.proc != nil {
			mp.proc.stop()
		}
		if mp.cancel != nil {
			mp.cancel()
		}
		pm.logger.Info("provider stopped", slog.String("provider", mp.id))
	}
}

// Status returns the current status of all managed providers.
func (pm *ProviderManager) Status() map[string]string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	result := make(map[string]string, len(pm.providers))
	for id, mp := range pm.providers {
		result[id] = mp.status
	}
	return result
}

// Call invokes a tool on a running provider via tools/call.
func (pm *ProviderManager) Call(ctx context.Context, providerID, tool string, args map[string]any) (json.RawMessage, error) {
	proc, err := pm.lookupProc(providerID)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	resp, err := proc.request(ctx, "tools/call", params, providerCallTimeout)
	if err != nil {
		return nil, mapRequestErr(err, providerID, "tools/call")
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "provider %q tool error: %s", providerID, resp.Error)
	}
	return resp.Result, nil
}

// ListTools asks a running provider for its advertised tools via tools/list.
func (pm *ProviderManager) ListTools(ctx context.Context, providerID string) ([]ProviderToolInfo, error) {
	proc, err := pm.lookupProc(providerID)
	if err != nil {
		return nil, err
	}

	resp, err := proc.request(ctx, "tools/list", map[string]any{}, providerCallTimeout)
	if err != nil {
		return nil, mapRequestErr(err, providerID, "tools/list")
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "provider %q error: %s", providerID, resp.Error)
	}

	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "provider %q: unexpected tools/list response", providerID).WithCause(err)
	}

	infos := make([]ProviderToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		infos = append(infos, ProviderToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return infos, nil
}

func (pm *ProviderManager) lookupProc(providerID string) (*providerProc, error) {
	pm.mu.Lock()
	mp, ok := pm.providers[providerID]
	var proc *providerProc
	if ok {
		proc = mp.proc
	}
	pm.mu.Unlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "provider %q is not running", providerID)
	}
	if proc == nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "provider %q has crashed and is awaiting restart", providerID)
	}
	return proc, nil
}

func mapRequestErr(err error, providerID, method string) error {
	switch {
	case errors.Is(err, errRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout, "provider %q: %s timed out", providerID, method).WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewErrorf(schema.ErrCodeCanceled, "provider %q: %s canceled", providerID, method).WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeToolExecution, "provider %q: %s failed: %v", providerID, method, err).WithCause(err)
	}
}

// healthLoop watches the subprocess and restarts it with backoff once the
// consecutive error threshold is crossed.
func (pm *ProviderManager) healthLoop(ctx context.Context, mp *managedProvider) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.mu.Lock()
			proc := mp.proc
			pm.mu.Unlock()

			if proc == nil || proc.exited() {
				pm.mu.Lock()
				mp.errCount++
				mp.lastErr = "provider process exited"
				count := mp.errCount
				if count >= healthErrThreshold {
					mp.status = statusUnhealthy
					pm.mu.Unlock()
					pm.logger.Warn("provider unhealthy",
						slog.String("provider", mp.id),
						slog.Int("consecutive_errors", count),
					)
					pm.restart(ctx, mp)
					return
				}
				pm.mu.Unlock()
			} else {
				pm.mu.Lock()
				mp.errCount = 0
				mp.status = statusHealthy
				pm.mu.Unlock()
			}
		}
	}
}

// restart replaces a crashed subprocess after an exponential backoff:
// min(1s * 2^errCount, 60s). Refcounts are preserved across the restart.
func (pm *ProviderManager) restart(ctx context.Context, mp *managedProvider) {
	pm.mu.Lock()
	errCount := mp.errCount
	mp.status = statusCrashed
	old := mp.proc
	mp.proc = nil
	pm.mu.Unlock()

	if old != nil {
		old.stop()
	}

	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(maxRestartBackoff),
	))

	pm.logger.Info("restarting provider",
		slog.String("provider", mp.id),
		slog.Duration("backoff", delay),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	proc, err := startProviderProc(ctx, mp.spec, mp.env)
	if err == nil {
		if herr := handshake(proc); herr != nil {
			proc.stop()
			err = herr
		}
	}

	pm.mu.Lock()
	if err != nil {
		mp.lastErr = err.Error()
		pm.mu.Unlock()
		pm.logger.Error("failed to restart provider",
			slog.String("provider", mp.id),
			slog.String("error", err.Error()),
		)
		return
	}
	mp.proc = proc
	mp.status = statusHealthy
	mp.errCount = 0
	pm.mu.Unlock()

	pm.logger.Info("provider restarted", slog.String("provider", mp.id))
	go pm.healthLoop(ctx, mp)
}

// --- subprocess plumbing ---

// providerProc is one live MCP subprocess. A single reader goroutine owns
// stdout and dispatches responses to pending requests by JSON-RPC id, so
// concurrent callers never interleave reads.
type providerProc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]chan rpcEnvelope
	dead    atomic.Bool
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func startProviderProc(ctx context.Context, spec schema.ProviderSpec, env []string) (*providerProc, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	proc := &providerProc{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan rpcEnvelope),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	go proc.readLoop(bufio.NewReader(stdout))
	return proc, nil
}

// readLoop consumes newline-delimited JSON-RPC from stdout until the process
// exits. Responses are matched to waiters by id; lines without an id are
// server notifications and are dropped.
func (p *providerProc) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var env rpcEnvelope
			if json.Unmarshal(line, &env) == nil && env.ID != nil {
				p.pendMu.Lock()
				ch, ok := p.pending[*env.ID]
				if ok {
					delete(p.pending, *env.ID)
				}
				p.pendMu.Unlock()
				if ok {
					ch <- env
				}
			}
		}
		if err != nil {
			p.fail()
			return
		}
	}
}

// fail marks the process dead and wakes every pending waiter.
func (p *providerProc) fail() {
	p.dead.Store(true)
	p.pendMu.Lock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
	p.pendMu.Unlock()
}

func (p *providerProc) exited() bool {
	return p.dead.Load()
}

// request sends one JSON-RPC request and waits for its response.
func (p *providerProc) request(ctx context.Context, method string, params any, timeout time.Duration) (*rpcEnvelope, error) {
	if p.dead.Load() {
		return nil, fmt.Errorf("provider process exited")
	}

	id := p.nextID.Add(1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	ch := make(chan rpcEnvelope, 1)
	p.pendMu.Lock()
	p.pending[id] = ch
	p.pendMu.Unlock()

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		p.unregister(id)
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("provider exited before responding")
		}
		return &resp, nil
	case <-time.After(timeout):
		p.unregister(id)
		return nil, errRequestTimeout
	case <-ctx.Done():
		p.unregister(id)
		return nil, ctx.Err()
	}
}

func (p *providerProc) unregister(id int64) {
	p.pendMu.Lock()
	delete(p.pending, id)
	p.pendMu.Unlock()
}

// notify sends a JSON-RPC notification (no id, no response expected).
func (p *providerProc) notify(method string, params any) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s notification: %w", method, err)
	}
	return nil
}

// stop closes stdin to signal shutdown, waits up to the grace period for the
// process to exit, then kills it.
func (p *providerProc) stop() {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = p.cmd.Process.Kill()
		<-done
	}
}

// handshake runs the MCP initialize exchange followed by the initialized
// notification.
func handshake(proc *providerProc) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "weft",
			"version": "1.0.0",
		},
	}
	resp, err := proc.request(context.Background(), "initialize", params, handshakeTimeout)
	if err != nil {
		return err
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return fmt.Errorf("provider error: %s", resp.Error)
	}
	return proc.notify("notifications/initialized", nil)
}

// resolveProviderEnv builds the subprocess environment: the current process
// env plus the spec's entries, with ${{secrets.KEY}} tokens expanded against
// the secrets loaded for the owning capability.
func resolveProviderEnv(env map[string]string, secrets map[string]string) ([]string, error) {
	resolved := os.Environ()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		expanded, err := expandSecretTokens(env[k], secrets)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, k+"="+expanded)
	}
	return resolved, nil
}

// expandSecretTokens scans forward for ${{secrets.KEY}} tokens. Substituted
// values are never rescanned.
func expandSecretTokens(value string, secrets map[string]string) (string, error) {
	var b strings.Builder
	for {
		idx := strings.Index(value, "${{")
		if idx < 0 {
			b.WriteString(value)
			return b.String(), nil
		}
		b.WriteString(value[:idx])
		rest := value[idx+3:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression in provider env")
		}
		expr := strings.TrimSpace(rest[:end])

		ref, ok := strings.CutPrefix(expr, "secrets.")
		if !ok || ref == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "provider env supports only secrets.* references, got %q", expr)
		}
		val, ok := secrets[ref]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodePermissionDenied, "provider env references secret %q which is not loaded", ref)
		}
		b.WriteString(val)
		value = rest[end+2:]
	}
}

// --- mcpTool ---

// mcpTool proxies invocations to a tool hosted by an MCP provider subprocess.
type mcpTool struct {
	name        string
	description string
	inputSchema json.RawMessage
	providerID  string
	manager     *ProviderManager
}

func (t *mcpTool) Name() string { return t.name }

func (t *mcpTool) Schema() ToolSchema {
	return ToolSchema{
		Description: t.description,
		InputSchema: t.inputSchema,
	}
}

func (t *mcpTool) Validate(_ map[string]any) error { return nil }

func (t *mcpTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	data, err := t.manager.Call(ctx, t.providerID, t.name, inv.Params)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data}, nil
}
