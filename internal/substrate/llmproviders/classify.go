// Package llmproviders adapts concrete LLM SDKs to the core's narrow
// llm.Dispatcher contract (C9). Each dispatcher wraps one backend client,
// converts conversation entries to and from that backend's wire format, and
// bounds its own concurrency with a semaphore rather than relying on the
// scheduler to do so.
package llmproviders

import (
	"context"
	"net/http"
	"strings"

	"github.com/agentsociety/substrate/internal/substrate/errs"
)

// classifyStatus maps an HTTP status code to the core's LLM failure taxonomy,
// grounded on the teacher's classifyStatusCode.
func classifyStatus(status int) errs.LlmFailureCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.LlmAuth
	case status == http.StatusTooManyRequests:
		return errs.LlmRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return errs.LlmContextLength
	case status >= 500:
		return errs.LlmServer
	default:
		return errs.LlmUnknown
	}
}

// classifyMessage is the fallback classifier for errors that don't carry a
// structured status code, grounded on the teacher's ClassifyError.
func classifyMessage(err error) errs.LlmFailureCategory {
	if err == nil {
		return errs.LlmUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context_length") || strings.Contains(msg, "maximum context"):
		return errs.LlmContextLength
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return errs.LlmRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return errs.LlmAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host"):
		return errs.LlmNetwork
	case strings.Contains(msg, "internal server") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return errs.LlmServer
	default:
		return errs.LlmUnknown
	}
}

// semaphore bounds the number of in-flight calls a dispatcher makes to one
// backend, independent of how many agents the scheduler is driving.
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n <= 0 {
		n = 4
	}
	return make(semaphore, n)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() {
	<-s
}
