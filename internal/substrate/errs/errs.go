// Package errs defines the core's error taxonomy as sentinel/category
// values usable with errors.Is/errors.As, instead of stringly-typed error
// checks at call boundaries.
package errs

import "fmt"

// Code is a stable error category identifier from the error taxonomy.
type Code string

const (
	CodeInvalidParentAgentID   Code = "invalid_parentAgentId"
	CodeInvalidAgentID         Code = "invalid_agentId"
	CodeAgentNotFound          Code = "agent_not_found"
	CodeRoleNotFound           Code = "role_not_found"
	CodeAgentAlreadyTerminated Code = "agent_already_terminated"
	CodeRoleAlreadyDeleted     Code = "role_already_deleted"
	CodeLlmCallFailed          Code = "llm_call_failed"
	CodeLlmResultDiscarded     Code = "llm_result_discarded"
	CodeMaxToolRoundsExceeded  Code = "max_tool_rounds_exceeded"
	CodeToolExecutionFailed    Code = "tool_execution_failed"
	CodeCannotDeleteSystemAgent Code = "cannot_delete_system_agent"
	CodeCannotModifySystemRole Code = "cannot_modify_system_role"
)

// LlmFailureCategory classifies an llm_call_failed error.
type LlmFailureCategory string

const (
	LlmAuth          LlmFailureCategory = "auth"
	LlmRateLimit     LlmFailureCategory = "rate_limit"
	LlmContextLength LlmFailureCategory = "context_length"
	LlmNetwork       LlmFailureCategory = "network"
	LlmServer        LlmFailureCategory = "server"
	LlmUnknown       LlmFailureCategory = "unknown"
)

// Error is a taxonomy-tagged error that callers can match with errors.As.
type Error struct {
	Code     Code
	Category string // optional sub-category, e.g. an LlmFailureCategory
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(CodeX, nil)) to match purely on Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// New constructs a taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a taxonomy error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// LlmFailure constructs an llm_call_failed error tagged with a category.
func LlmFailure(category LlmFailureCategory, message string, err error) *Error {
	return &Error{Code: CodeLlmCallFailed, Category: string(category), Message: message, Err: err}
}

// Sentinel returns a bare error of the given code, suitable as an
// errors.Is(err, errs.Sentinel(Code)) comparison target.
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}
