package reasoning

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/weftlabs/weft/pkg/schema"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultMaxRounds  = 8
)

// AnthropicConfig configures the Anthropic-backed Executor.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	MaxRounds int // tool-use round ceiling per attempt
}

// AnthropicExecutor runs task content on the Anthropic Messages API with the
// loaded tool set exposed as tools. It loops on tool_use stops, proxying each
// call through the task's ToolCaller, until the model produces a final text.
type AnthropicExecutor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxRounds int
	logger    *slog.Logger
}

var _ Executor = (*AnthropicExecutor)(nil)

// NewAnthropicExecutor creates an AnthropicExecutor. Zero config fields fall
// back to defaults.
func NewAnthropicExecutor(cfg AnthropicConfig, logger *slog.Logger) *AnthropicExecutor {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicExecutor{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxRounds: cfg.MaxRounds,
		logger:    logger,
	}
}

// Name identifies the engine for envelope metrics.
func (e *AnthropicExecutor) Name() string { return "anthropic/" + e.model }

// Execute runs the tool-use loop for one attempt.
func (e *AnthropicExecutor) Execute(ctx context.Context, task *TaskContext) (*TaskResult, error) {
	toolParams := buildToolParams(task.Tools)
	system := []anthropic.TextBlockParam{{Text: SystemPrompt(task)}}
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(task))),
	}

	toolCalls := 0
	for round := 0; ; round++ {
		msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(e.model),
			MaxTokens: e.maxTokens,
			System:    system,
			Messages:  messages,
			Tools:     toolParams,
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "reasoning request failed: %v", err).WithCause(err)
		}

		if msg.StopReason != "tool_use" {
			return resultFromText(collectText(msg), toolCalls), nil
		}
		if round >= e.maxRounds {
			return nil, schema.NewErrorf(schema.ErrCodeToolExecution,
				"reasoning exceeded %d tool rounds for %s/%s", e.maxRounds, task.WorkflowID, task.State)
		}

		messages = append(messages, msg.ToParam())
		var results []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			use, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			toolCalls++
			out, callErr := e.callTool(ctx, task, use)
			if callErr != nil && ctx.Err() != nil {
				return nil, callErr
			}
			results = append(results, toolResultBlock(use.ID, out, callErr != nil))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}
}

func (e *AnthropicExecutor) callTool(ctx context.Context, task *TaskContext, use anthropic.ToolUseBlock) (string, error) {
	if task.Tools == nil {
		err := schema.NewErrorf(schema.ErrCodeToolExecution, "no tools loaded but %q was requested", use.Name)
		return err.Error(), err
	}

	var params map[string]any
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &params); err != nil {
			werr := schema.NewErrorf(schema.ErrCodeValidation, "tool %q input is not an object: %v", use.Name, err)
			return werr.Error(), werr
		}
	}

	out, err := task.Tools.CallTool(ctx, use.Name, params)
	if err != nil {
		e.logger.Warn("tool call failed",
			slog.String("workflow_id", task.WorkflowID),
			slog.String("state", task.State),
			slog.String("tool", use.Name),
			slog.Any("error", err),
		)
		// The model sees the failure and may recover with another approach.
		return err.Error(), err
	}
	return string(out), nil
}

// buildToolParams converts the loaded tool surface into API tool params.
func buildToolParams(caller ToolCaller) []anthropic.ToolUnionParam {
	if caller == nil {
		return nil
	}
	infos := caller.Tools()
	params := make([]anthropic.ToolUnionParam, 0, len(infos))
	for _, info := range infos {
		var decoded struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if len(info.InputSchema) > 0 {
			_ = json.Unmarshal(info.InputSchema, &decoded)
		}
		params = append(params, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        info.Name,
				Description: anthropic.String(info.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: decoded.Properties,
					Required:   decoded.Required,
				},
			},
		})
	}
	return params
}

func toolResultBlock(toolUseID, content string, isError bool) anthropic.ContentBlockParamUnion {
	return anthropic.ContentBlockParamUnion{
		OfToolResult: &anthropic.ToolResultBlockParam{
			ToolUseID: toolUseID,
			IsError:   anthropic.Bool(isError),
			Content: []anthropic.ToolResultBlockParamContentUnion{
				{OfText: &anthropic.TextBlockParam{Text: content}},
			},
		},
	}
}

func collectText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}
