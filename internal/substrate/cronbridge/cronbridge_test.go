package cronbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/agentsociety/substrate/internal/config"
	"github.com/agentsociety/substrate/internal/cron"
	"github.com/agentsociety/substrate/internal/substrate/bridge"
)

type fakeScheduler struct {
	text, taskID string
}

func (f *fakeScheduler) SubmitRequirement(text, taskID string) string {
	f.text, f.taskID = text, taskID
	return taskID
}

func TestAgentRunnerSubmitsRenderedContent(t *testing.T) {
	sched := &fakeScheduler{}
	runner := NewAgentRunner(sched)

	job := &cron.Job{
		ID:      "daily-digest",
		Message: &config.CronMessageConfig{Content: "good morning"},
	}
	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if sched.text != "good morning" {
		t.Fatalf("got text %q, want %q", sched.text, "good morning")
	}
	if sched.taskID != "cron:daily-digest" {
		t.Fatalf("got taskID %q, want %q", sched.taskID, "cron:daily-digest")
	}
}

func TestAgentRunnerEncodesChannelAddressedTaskID(t *testing.T) {
	sched := &fakeScheduler{}
	runner := NewAgentRunner(sched)

	job := &cron.Job{
		ID: "standup",
		Message: &config.CronMessageConfig{
			Content:   "post standup summary",
			Channel:   "slack",
			ChannelID: "C0ABC",
		},
	}
	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := bridge.EncodeTaskID(bridge.PlatformSlack, "C0ABC")
	if sched.taskID != want {
		t.Fatalf("got taskID %q, want %q", sched.taskID, want)
	}
}

func TestAgentRunnerRejectsEmptyContent(t *testing.T) {
	runner := NewAgentRunner(&fakeScheduler{})
	job := &cron.Job{ID: "empty", Message: &config.CronMessageConfig{Content: "   "}}
	if err := runner.Run(context.Background(), job); err == nil {
		t.Fatal("expected an error for empty rendered content")
	}
}

func TestAgentRunnerRejectsMissingMessage(t *testing.T) {
	runner := NewAgentRunner(&fakeScheduler{})
	if err := runner.Run(context.Background(), &cron.Job{ID: "no-message"}); err == nil {
		t.Fatal("expected an error for a missing message payload")
	}
}

type fakeOutbound struct {
	chatID, text string
	err          error
}

func (f *fakeOutbound) Send(ctx context.Context, chatID, text string) error {
	f.chatID, f.text = chatID, text
	return f.err
}

func TestMessageSenderDeliversThroughRegisteredBridge(t *testing.T) {
	out := &fakeOutbound{}
	router := bridge.NewRouter(nil)
	router.Register(bridge.PlatformTelegram, out)
	sender := NewMessageSender(router)

	err := sender.Send(context.Background(), &config.CronMessageConfig{
		Channel:   "telegram",
		ChannelID: "123456",
		Content:   "reminder: standup in 5",
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if out.chatID != "123456" || out.text != "reminder: standup in 5" {
		t.Fatalf("unexpected delivery: chatID=%q text=%q", out.chatID, out.text)
	}
}

func TestMessageSenderRejectsMissingChannel(t *testing.T) {
	sender := NewMessageSender(bridge.NewRouter(nil))
	err := sender.Send(context.Background(), &config.CronMessageConfig{Content: "hi"})
	if err == nil {
		t.Fatal("expected an error for a missing channel")
	}
}

func TestMessageSenderPropagatesDeliveryFailure(t *testing.T) {
	out := &fakeOutbound{err: errors.New("platform unavailable")}
	router := bridge.NewRouter(nil)
	router.Register(bridge.PlatformDiscord, out)
	sender := NewMessageSender(router)

	err := sender.Send(context.Background(), &config.CronMessageConfig{
		Channel: "discord", ChannelID: "chan-1", Content: "hi",
	})
	if err == nil {
		t.Fatal("expected the outbound error to propagate")
	}
}
