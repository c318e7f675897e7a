package llmproviders

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

// AnthropicConfig configures an anthropicDispatcher.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Concurrency  int
}

// anthropicDispatcher implements llm.Dispatcher over the Anthropic Messages
// API. It tracks one cancel func per in-flight agent so Abort can cancel a
// call blocked on the network without the scheduler knowing anything about
// the SDK underneath.
type anthropicDispatcher struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
	sem          semaphore

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewAnthropicDispatcher builds a Dispatcher backed by the Anthropic SDK.
func NewAnthropicDispatcher(cfg AnthropicConfig) (llm.Dispatcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llmproviders: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &anthropicDispatcher{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		sem:          newSemaphore(cfg.Concurrency),
		inflight:     make(map[string]context.CancelFunc),
	}, nil
}

func (p *anthropicDispatcher) Chat(ctx context.Context, request turn.LlmRequest) (llm.ChatResult, error) {
	agentID, _ := request.Meta["agentId"].(string)

	if err := p.sem.acquire(ctx); err != nil {
		return llm.ChatResult{}, err
	}
	defer p.sem.release()

	callCtx, cancel := context.WithCancel(ctx)
	p.setInflight(agentID, cancel)
	defer p.clearInflight(agentID)
	defer cancel()

	messages, system, err := convertMessagesToAnthropic(request.Messages)
	if err != nil {
		return llm.ChatResult{}, errs.LlmFailure(errs.LlmUnknown, "invalid conversation entry", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(request.Tools) > 0 {
		tools, err := convertToolsToAnthropic(request.Tools)
		if err != nil {
			return llm.ChatResult{}, errs.LlmFailure(errs.LlmUnknown, "invalid tool schema", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(callCtx, params)
	result, err := drainAnthropicStream(stream)
	if err != nil {
		return llm.ChatResult{}, p.wrapError(err)
	}
	return result, nil
}

func (p *anthropicDispatcher) Abort(agentID string) bool {
	cancel := p.takeInflight(agentID)
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (p *anthropicDispatcher) setInflight(agentID string, cancel context.CancelFunc) {
	if agentID == "" {
		return
	}
	p.mu.Lock()
	p.inflight[agentID] = cancel
	p.mu.Unlock()
}

func (p *anthropicDispatcher) clearInflight(agentID string) {
	if agentID == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, agentID)
	p.mu.Unlock()
}

func (p *anthropicDispatcher) takeInflight(agentID string) context.CancelFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel := p.inflight[agentID]
	delete(p.inflight, agentID)
	return cancel
}

func (p *anthropicDispatcher) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return errs.LlmFailure(classifyStatus(apiErr.StatusCode), apiErr.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.LlmFailure(errs.LlmNetwork, "request cancelled or timed out", err)
	}
	return errs.LlmFailure(classifyMessage(err), err.Error(), err)
}

// convertMessagesToAnthropic splits the system entry out (Anthropic carries
// it as a top-level param, not a message) and converts the remaining
// entries into Anthropic message params, folding tool results and tool
// calls into content blocks the way the teacher's provider does.
func convertMessagesToAnthropic(entries []society.ConversationEntry) ([]anthropic.MessageParam, string, error) {
	var system string
	var result []anthropic.MessageParam

	for _, entry := range entries {
		if entry.Role == society.RoleSystem {
			system = entry.Content
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if entry.Content != "" {
			content = append(content, anthropic.NewTextBlock(entry.Content))
		}

		if entry.Role == society.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(entry.ToolCallID, entry.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		for _, call := range entry.ToolCalls {
			var input map[string]any
			if call.Args != "" {
				if err := json.Unmarshal([]byte(call.Args), &input); err != nil {
					return nil, "", err
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		if entry.Role == society.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, system, nil
}

func convertToolsToAnthropic(tools []society.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Function.Parameters)
		if err != nil {
			return nil, err
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, err
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Function.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

// drainAnthropicStream consumes an entire SSE stream synchronously and
// accumulates it into one ChatResult, since the core's Dispatcher contract
// is request/response rather than incremental like the teacher's channel
// based Complete().
func drainAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) (llm.ChatResult, error) {
	var text strings.Builder
	var toolCalls []society.ToolCall
	var currentCall *society.ToolCall
	var currentArgs strings.Builder
	var usage society.Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.PromptTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &society.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentArgs.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "input_json_delta":
				currentArgs.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Args = currentArgs.String()
				toolCalls = append(toolCalls, *currentCall)
				currentCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			usage.CompletionTokens = int(md.Usage.OutputTokens)

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return llm.ChatResult{
				Role:      society.RoleAssistant,
				Content:   text.String(),
				ToolCalls: toolCalls,
				Usage:     &usage,
			}, nil
		}
	}

	if err := stream.Err(); err != nil {
		return llm.ChatResult{}, err
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return llm.ChatResult{
		Role:      society.RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
		Usage:     &usage,
	}, nil
}
