// Package bridge implements lightweight inbound/outbound chat-platform
// adapters (C12) that turn platform messages into calls on the scheduler's
// exposed ports and relay outbound "user"-addressed bus traffic back to the
// originating platform. These are deliberately thinner than the teacher's
// internal/channels/* adapters (no reconnection backoff policy objects,
// reactions, threads, or per-channel metrics) since the platform-adapter
// surface itself sits outside this repository's scope; what's kept is the
// shape of each adapter (a config with a validate check, a Start/Stop
// lifecycle) grounded on internal/channels/discord/adapter.go,
// internal/channels/telegram/adapter.go, internal/channels/slack/adapter.go,
// and internal/channels/whatsapp/adapter.go.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agentsociety/substrate/pkg/society"
)

// Scheduler is the narrow surface bridges need from the core scheduler's
// exposed ports: inject a requirement addressed to the root agent, and
// reply directly to an agent that's already in conversation.
type Scheduler interface {
	SubmitRequirement(text, taskID string) string
	SendText(to, text, taskID string)
}

// Platform identifies which bridge originated or should deliver a message.
type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
	PlatformWhatsApp Platform = "whatsapp"
)

// Outbound is a destination a bridge can deliver plain text to.
type Outbound interface {
	Send(ctx context.Context, chatID, text string) error
}

// taskID encodes both the platform and the originating chat so replies
// routed back through the scheduler's "user" endpoint can be traced to the
// bridge and chat that opened the conversation.
func taskID(platform Platform, chatID string) string {
	return fmt.Sprintf("%s:%s", platform, chatID)
}

// EncodeTaskID is taskID exported for callers outside this package (the
// cron bridge) that need to address a reply at the same platform/chat a
// scheduler conversation was opened against.
func EncodeTaskID(platform Platform, chatID string) string {
	return taskID(platform, chatID)
}

func splitTaskID(id string) (Platform, string, bool) {
	platform, chatID, ok := strings.Cut(id, ":")
	if !ok {
		return "", "", false
	}
	return Platform(platform), chatID, true
}

// Router dispatches bus traffic addressed to the "user" endpoint to the
// bridge whose platform prefix matches the message's task id. Its
// HandleEndpoint method is used directly as a scheduler.EndpointHandler.
type Router struct {
	onError func(platform Platform, chatID, text string, err error)

	mu       sync.RWMutex
	outbound map[Platform]Outbound
}

// NewRouter constructs a Router. onError is invoked when a message names a
// platform with no registered bridge (on the calling goroutine) or when
// delivery fails (on the delivery goroutine); it may be nil, in which case
// such failures are silently dropped. A task id without a platform prefix
// is dropped without calling onError.
func NewRouter(onError func(platform Platform, chatID, text string, err error)) *Router {
	return &Router{onError: onError, outbound: make(map[Platform]Outbound)}
}

// Register binds a platform to the bridge that should deliver its outbound
// text.
func (r *Router) Register(platform Platform, out Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[platform] = out
}

// HandleEndpoint implements scheduler.EndpointHandler: it decodes the
// platform and chat id from msg.TaskID and delivers msg.Payload.Text there.
// It never blocks the scheduler loop; delivery runs in its own goroutine.
func (r *Router) HandleEndpoint(msg society.BusMessage) {
	platform, chatID, ok := splitTaskID(msg.TaskID)
	if !ok {
		return
	}
	r.mu.RLock()
	out, ok := r.outbound[platform]
	r.mu.RUnlock()
	if !ok {
		if r.onError != nil {
			r.onError(platform, chatID, msg.Payload.Text, fmt.Errorf("no bridge registered for platform %q", platform))
		}
		return
	}
	text := msg.Payload.Text
	go func() {
		if err := out.Send(context.Background(), chatID, text); err != nil && r.onError != nil {
			r.onError(platform, chatID, text, err)
		}
	}()
}

// SendNow delivers text to chatID on platform synchronously, bypassing the
// scheduler bus entirely. It is used for traffic that never belonged to a
// conversation in the first place, such as a cron message job firing a
// one-off announcement.
func (r *Router) SendNow(ctx context.Context, platform Platform, chatID, text string) error {
	r.mu.RLock()
	out, ok := r.outbound[platform]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bridge: no bridge registered for platform %q", platform)
	}
	return out.Send(ctx, chatID, text)
}
