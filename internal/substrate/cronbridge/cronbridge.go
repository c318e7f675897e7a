// Package cronbridge adapts the teacher's internal/cron.Scheduler onto the
// core's exposed ports, so a cron-triggered "agent" job becomes a submitted
// requirement on the root agent and a "message" job becomes an outbound
// delivery through a registered chat-platform bridge, without internal/cron
// itself knowing either exists. It is grounded on internal/cron/scheduler.go
// (executeAgent, executeMessage) and the AgentRunner/MessageSender seams it
// already exposes for exactly this kind of adaptation.
package cronbridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentsociety/substrate/internal/config"
	"github.com/agentsociety/substrate/internal/cron"
	"github.com/agentsociety/substrate/internal/substrate/bridge"
)

// Scheduler is the narrow surface the agent runner needs from the core
// scheduler's exposed ports.
type Scheduler interface {
	SubmitRequirement(text, taskID string) string
}

// AgentRunner satisfies cron.AgentRunner by forwarding a job's rendered
// content to the core scheduler as a submitted requirement. When the job
// names a channel/channel id, the requirement's task id is encoded the same
// way a bridge-originated conversation would be, so a reply the agent sends
// back to the "user" endpoint is routed to that chat by bridge.Router;
// otherwise the task id is scoped to the job itself.
type AgentRunner struct {
	sched Scheduler
}

// NewAgentRunner constructs an AgentRunner bound to sched.
func NewAgentRunner(sched Scheduler) *AgentRunner {
	return &AgentRunner{sched: sched}
}

// Run implements cron.AgentRunner.
func (r *AgentRunner) Run(ctx context.Context, job *cron.Job) error {
	if job == nil || job.Message == nil {
		return fmt.Errorf("cronbridge: agent job %q has no message payload", jobID(job))
	}
	content := strings.TrimSpace(job.Message.Content)
	if content == "" {
		return fmt.Errorf("cronbridge: agent job %q rendered empty content", jobID(job))
	}

	id := fmt.Sprintf("cron:%s", jobID(job))
	if platform := strings.TrimSpace(job.Message.Channel); platform != "" {
		id = bridge.EncodeTaskID(bridge.Platform(platform), job.Message.ChannelID)
	}
	r.sched.SubmitRequirement(job.Message.Content, id)
	return nil
}

func jobID(job *cron.Job) string {
	if job == nil {
		return "<nil>"
	}
	if job.ID != "" {
		return job.ID
	}
	return job.Name
}

// MessageSender satisfies cron.MessageSender by delivering a rendered
// message job's content through whichever bridge is registered for the
// job's platform. Unlike AgentRunner, the delivery never touches the
// scheduler bus: a message job isn't part of any agent conversation.
type MessageSender struct {
	router *bridge.Router
}

// NewMessageSender constructs a MessageSender bound to router.
func NewMessageSender(router *bridge.Router) *MessageSender {
	return &MessageSender{router: router}
}

// Send implements cron.MessageSender.
func (s *MessageSender) Send(ctx context.Context, message *config.CronMessageConfig) error {
	if message == nil {
		return fmt.Errorf("cronbridge: missing message payload")
	}
	platform := strings.TrimSpace(message.Channel)
	chatID := strings.TrimSpace(message.ChannelID)
	if platform == "" || chatID == "" {
		return fmt.Errorf("cronbridge: message payload missing channel")
	}
	content := strings.TrimSpace(message.Content)
	if content == "" {
		return fmt.Errorf("cronbridge: message payload missing content")
	}
	return s.router.SendNow(ctx, bridge.Platform(platform), chatID, message.Content)
}
