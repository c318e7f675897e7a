// Package society holds the data model shared by every core substrate
// package: roles, agents, terminations, conversation entries, bus messages,
// and the small value types that cross package boundaries.
package society

import "time"

// RoleStatus is the lifecycle state of a Role.
type RoleStatus string

const (
	RoleActive  RoleStatus = "active"
	RoleDeleted RoleStatus = "deleted"
)

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentTerminated AgentStatus = "terminated"
)

// Well-known identities that never appear in the persisted document.
const (
	RootAgentID = "root"
	UserAgentID = "user"
)

// Role is a template agents are instantiated from.
type Role struct {
	RoleID       string     `json:"roleId"`
	Name         string     `json:"name"`
	RolePrompt   string     `json:"rolePrompt"`
	OrgPrompt    string     `json:"orgPrompt,omitempty"`
	LlmServiceID string     `json:"llmServiceId,omitempty"`
	ToolGroups   []string   `json:"toolGroups,omitempty"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	Status       RoleStatus `json:"status"`
	DeletedBy    string     `json:"deletedBy,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	DeleteReason string     `json:"deleteReason,omitempty"`
}

// Clone returns a deep copy safe to hand to a caller without aliasing
// internal slices.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ToolGroups != nil {
		clone.ToolGroups = append([]string(nil), r.ToolGroups...)
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		clone.DeletedAt = &t
	}
	return &clone
}

// Agent is a running participant in the society.
type Agent struct {
	AgentID       string      `json:"agentId"`
	RoleID        string      `json:"roleId"`
	ParentAgentID string      `json:"parentAgentId"`
	Name          string      `json:"name,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	Status        AgentStatus `json:"status"`
	TerminatedAt  *time.Time  `json:"terminatedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to a caller without aliasing.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if a.TerminatedAt != nil {
		t := *a.TerminatedAt
		clone.TerminatedAt = &t
	}
	return &clone
}

// Termination is an append-only record of an agent being terminated.
type Termination struct {
	AgentID      string    `json:"agentId"`
	TerminatedBy string    `json:"terminatedBy"`
	TerminatedAt time.Time `json:"terminatedAt"`
	Reason       string    `json:"reason,omitempty"`
}

// ContactEntry is a lightweight address-book entry kept per agent.
type ContactEntry struct {
	AgentID     string    `json:"agentId"`
	DisplayName string    `json:"displayName,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}

// MessageRole is the role label on a conversation entry.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a single function call emitted by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"arguments"`
}

// Usage is token accounting for one LLM completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ConversationEntry is one message in an agent's conversation log.
type ConversationEntry struct {
	Role         MessageRole `json:"role"`
	Content      string      `json:"content"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID   string      `json:"tool_call_id,omitempty"`
	Reasoning    string      `json:"reasoning,omitempty"`
	Usage        *Usage      `json:"usage,omitempty"`
	Interruption bool        `json:"interruption,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Clone deep-copies an entry so snapshots never alias the live slice.
func (e ConversationEntry) Clone() ConversationEntry {
	clone := e
	if e.ToolCalls != nil {
		clone.ToolCalls = append([]ToolCall(nil), e.ToolCalls...)
	}
	if e.Usage != nil {
		u := *e.Usage
		clone.Usage = &u
	}
	return clone
}

// ContextStatusLevel classifies how full an agent's context window is.
type ContextStatusLevel string

const (
	ContextOK       ContextStatusLevel = "ok"
	ContextNear     ContextStatusLevel = "near"
	ContextExceeded ContextStatusLevel = "exceeded"
)

// ContextStatus summarizes context-window pressure for an agent.
type ContextStatus struct {
	UsedTokens   int                `json:"usedTokens"`
	MaxTokens    int                `json:"maxTokens"`
	UsagePercent float64            `json:"usagePercent"`
	Status       ContextStatusLevel `json:"status"`
}

// ToolFunctionDef is the OpenAI-function-style schema for one tool.
type ToolFunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolDefinition is the wire shape handed to the LLM for one callable tool.
type ToolDefinition struct {
	Type     string          `json:"type"`
	Function ToolFunctionDef `json:"function"`
}

// BusMessage is one message moving through the MessageBus.
type BusMessage struct {
	ID                   string         `json:"id"`
	From                 string         `json:"from"`
	To                   string         `json:"to"`
	TaskID               string         `json:"taskId,omitempty"`
	Payload              MessagePayload `json:"payload"`
	CreatedAt            time.Time      `json:"createdAt"`
	ScheduledDeliveryTime *time.Time    `json:"scheduledDeliveryTime,omitempty"`
	DeliveredAt          *time.Time     `json:"deliveredAt,omitempty"`
}

// MessagePayload is the tagged-union payload carried by a BusMessage.
type MessagePayload struct {
	Text        string         `json:"text,omitempty"`
	Usage       *Usage         `json:"usage,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Kind        string         `json:"kind,omitempty"` // "error" for error envelopes
	Error       *ErrorEnvelope `json:"error,omitempty"`
	Opaque      []byte         `json:"opaque,omitempty"`
}

// Attachment references binary content carried alongside a message.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ErrorEnvelope is the user-visible shape of a propagated core error.
type ErrorEnvelope struct {
	Category      string `json:"category"`
	UserMessage   string `json:"userMessage"`
	TechnicalInfo string `json:"technicalInfo,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	RoleID        string `json:"roleId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
}

// Clock supplies wall-clock time in the stable ISO8601 form the core uses
// for persisted timestamps and log correlation.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FormatISO renders t in the spec's stable local-offset ISO8601 form.
func FormatISO(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000-07:00")
}
