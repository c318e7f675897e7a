package llmproviders

import (
	"context"
	"errors"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

// OpenAIConfig configures an openaiDispatcher. It also serves any
// OpenAI-compatible backend (Venice, local gateways) that accepts a
// BaseURL override, grounded on the teacher's Venice adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Concurrency  int
}

// openaiDispatcher implements llm.Dispatcher over the go-openai client.
type openaiDispatcher struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
	sem          semaphore

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewOpenAIDispatcher builds a Dispatcher backed by the go-openai client.
func NewOpenAIDispatcher(cfg OpenAIConfig) (llm.Dispatcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llmproviders: openai API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &openaiDispatcher{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		sem:          newSemaphore(cfg.Concurrency),
		inflight:     make(map[string]context.CancelFunc),
	}, nil
}

func (p *openaiDispatcher) Chat(ctx context.Context, request turn.LlmRequest) (llm.ChatResult, error) {
	agentID, _ := request.Meta["agentId"].(string)

	if err := p.sem.acquire(ctx); err != nil {
		return llm.ChatResult{}, err
	}
	defer p.sem.release()

	callCtx, cancel := context.WithCancel(ctx)
	p.setInflight(agentID, cancel)
	defer p.clearInflight(agentID)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:     p.defaultModel,
		Messages:  convertMessagesToOpenAI(request.Messages),
		MaxTokens: p.maxTokens,
	}
	if len(request.Tools) > 0 {
		req.Tools = convertToolsToOpenAI(request.Tools)
	}

	resp, err := p.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		return llm.ChatResult{}, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResult{}, errs.LlmFailure(errs.LlmUnknown, "openai response had no choices", nil)
	}

	message := resp.Choices[0].Message
	var toolCalls []society.ToolCall
	for _, call := range message.ToolCalls {
		toolCalls = append(toolCalls, society.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: call.Function.Arguments,
		})
	}

	return llm.ChatResult{
		Role:      society.RoleAssistant,
		Content:   message.Content,
		ToolCalls: toolCalls,
		Usage: &society.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *openaiDispatcher) Abort(agentID string) bool {
	cancel := p.takeInflight(agentID)
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (p *openaiDispatcher) setInflight(agentID string, cancel context.CancelFunc) {
	if agentID == "" {
		return
	}
	p.mu.Lock()
	p.inflight[agentID] = cancel
	p.mu.Unlock()
}

func (p *openaiDispatcher) clearInflight(agentID string) {
	if agentID == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, agentID)
	p.mu.Unlock()
}

func (p *openaiDispatcher) takeInflight(agentID string) context.CancelFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel := p.inflight[agentID]
	delete(p.inflight, agentID)
	return cancel
}

func (p *openaiDispatcher) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return errs.LlmFailure(classifyStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.LlmFailure(errs.LlmNetwork, "request cancelled or timed out", err)
	}
	return errs.LlmFailure(classifyMessage(err), err.Error(), err)
}

// convertMessagesToOpenAI converts conversation entries to OpenAI's flat
// chat-completion message format, folding tool calls and tool results into
// their dedicated fields rather than Anthropic's content-block union.
func convertMessagesToOpenAI(entries []society.ConversationEntry) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, entry := range entries {
		msg := openai.ChatCompletionMessage{
			Role:    string(entry.Role),
			Content: entry.Content,
		}
		if entry.Role == society.RoleTool {
			msg.ToolCallID = entry.ToolCallID
		}
		for _, call := range entry.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Args,
				},
			})
		}
		result = append(result, msg)
	}
	return result
}

func convertToolsToOpenAI(tools []society.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	return result
}
