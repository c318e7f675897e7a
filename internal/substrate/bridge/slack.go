package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SlackConfig configures the Slack bridge, run over Socket Mode so no
// inbound webhook endpoint is required.
type SlackConfig struct {
	// BotToken is the xoxb- token used for Web API calls (required).
	BotToken string

	// AppToken is the xapp- token used for the Socket Mode connection
	// (required).
	AppToken string

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (c *SlackConfig) validate() error {
	if c.BotToken == "" || c.AppToken == "" {
		return fmt.Errorf("bridge: slack bot_token and app_token are required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// SlackBridge relays Slack channel/DM messages into scheduler requirements
// and delivers scheduler replies back as channel messages.
type SlackBridge struct {
	cfg    SlackConfig
	sched  Scheduler
	client *slack.Client
	socket *socketmode.Client
	logger *slog.Logger

	mu        sync.RWMutex
	botUserID string
}

// NewSlackBridge constructs a bridge bound to sched but does not connect;
// call Start for that.
func NewSlackBridge(cfg SlackConfig, sched Scheduler) (*SlackBridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(client)
	return &SlackBridge{
		cfg:    cfg,
		sched:  sched,
		client: client,
		socket: socket,
		logger: cfg.Logger.With("bridge", "slack"),
	}, nil
}

// Start authenticates, starts the event-consuming goroutine, and opens the
// Socket Mode connection.
func (b *SlackBridge) Start(ctx context.Context) error {
	auth, err := b.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("bridge: slack auth test: %w", err)
	}
	b.mu.Lock()
	b.botUserID = auth.UserID
	b.mu.Unlock()

	go b.consumeEvents(ctx)
	go func() {
		if err := b.socket.RunContext(ctx); err != nil {
			b.logger.Error("slack socket mode stopped", "error", err)
		}
	}()
	b.logger.Info("slack bridge started", "bot_user_id", auth.UserID)
	return nil
}

// Stop is a no-op beyond canceling the context passed to Start; socketmode
// tears down its connection on ctx.Done().
func (b *SlackBridge) Stop(ctx context.Context) error { return nil }

func (b *SlackBridge) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			b.socket.Ack(*evt.Request)
			b.handleEventsAPI(eventsAPI)
		}
	}
}

func (b *SlackBridge) handleEventsAPI(evt slackevents.EventsAPIEvent) {
	inner, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	b.mu.RLock()
	botUserID := b.botUserID
	b.mu.RUnlock()
	if inner.User == "" || inner.User == botUserID || inner.BotID != "" {
		return
	}
	b.sched.SubmitRequirement(inner.Text, taskID(PlatformSlack, inner.Channel))
}

// Send implements Outbound by posting text to a Slack channel or DM.
func (b *SlackBridge) Send(ctx context.Context, channelID, text string) error {
	_, _, err := b.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("bridge: send slack message: %w", err)
	}
	return nil
}
