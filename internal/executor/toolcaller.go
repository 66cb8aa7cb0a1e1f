package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/weftlabs/weft/internal/reasoning"
	"github.com/weftlabs/weft/internal/tools"
	"github.com/weftlabs/weft/pkg/schema"
)

// stateToolCaller is the tool surface handed to the reasoning collaborator
// for one state execution. Every call goes through input validation and the
// circuit breakers; the collaborator never touches secrets, breakers, or the
// registry directly.
type stateToolCaller struct {
	executorID string
	workflowID string
	state      string

	bound    map[string]tools.Tool
	secrets  map[string]string
	breakers *tools.BreakerSet
	logger   *slog.Logger

	mu    sync.Mutex
	calls int
}

var _ reasoning.ToolCaller = (*stateToolCaller)(nil)

func newStateToolCaller(executorID, workflowID, state string, boundTools []tools.Tool, secrets map[string]string, breakers *tools.BreakerSet, logger *slog.Logger) *stateToolCaller {
	bound := make(map[string]tools.Tool, len(boundTools))
	for _, t := range boundTools {
		bound[t.Name()] = t
	}
	return &stateToolCaller{
		executorID: executorID,
		workflowID: workflowID,
		state:      state,
		bound:      bound,
		secrets:    secrets,
		breakers:   breakers,
		logger:     logger,
	}
}

// Tools lists the bound tool set for prompt composition.
func (c *stateToolCaller) Tools() []reasoning.ToolInfo {
	infos := make([]reasoning.ToolInfo, 0, len(c.bound))
	for _, t := range c.bound {
		sch := t.Schema()
		infos = append(infos, reasoning.ToolInfo{
			Name:        t.Name(),
			Description: sch.Description,
			InputSchema: sch.InputSchema,
		})
	}
	return infos
}

// CallTool validates and invokes one bound tool. Breaker bookkeeping counts
// only actual invocations: a rejected input or an open circuit never reaches
// the tool and never moves the breaker.
func (c *stateToolCaller) CallTool(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	tool, ok := c.bound[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"tool %q is not loaded for state %s", name, c.state).WithState(c.state)
	}

	if err := c.breakers.AllowRequest(name); err != nil {
		return nil, err
	}

	if err := tool.Validate(params); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	res, err := tool.Invoke(ctx, tools.Invocation{
		Params: params,
		Context: tools.InvocationContext{
			WorkflowID: c.workflowID,
			State:      c.state,
			ExecutorID: c.executorID,
			Secrets:    c.secrets,
		},
	})
	if err != nil {
		if state := c.breakers.RecordFailure(name); state == tools.CircuitOpen {
			c.logger.Warn("tool circuit opened",
				slog.String("tool", name),
				slog.String("workflow_id", c.workflowID),
				slog.String("state", c.state),
			)
		}
		return nil, err
	}

	c.breakers.RecordSuccess(name)
	return res.Data, nil
}

// Calls returns how many invocations actually reached a tool.
func (c *stateToolCaller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
