package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// DiscordConfig configures the Discord bridge.
type DiscordConfig struct {
	// Token is the bot token from the Discord Developer Portal (required).
	Token string

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (c *DiscordConfig) validate() error {
	if c.Token == "" {
		return fmt.Errorf("bridge: discord token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// DiscordBridge relays Discord channel messages into scheduler
// requirements and delivers scheduler replies back as channel messages.
type DiscordBridge struct {
	cfg     DiscordConfig
	sched   Scheduler
	session *discordgo.Session
	logger  *slog.Logger

	mu      sync.Mutex
	removeHandler func()
}

// NewDiscordBridge constructs a bridge bound to sched but does not connect
// to Discord; call Start for that.
func NewDiscordBridge(cfg DiscordConfig, sched Scheduler) (*DiscordBridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("bridge: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return &DiscordBridge{
		cfg:     cfg,
		sched:   sched,
		session: session,
		logger:  cfg.Logger.With("bridge", "discord"),
	}, nil
}

// Start opens the gateway connection and begins relaying inbound messages.
func (b *DiscordBridge) Start(ctx context.Context) error {
	remove := b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		id := taskID(PlatformDiscord, m.ChannelID)
		b.sched.SubmitRequirement(m.Content, id)
	})
	b.mu.Lock()
	b.removeHandler = remove
	b.mu.Unlock()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("bridge: open discord session: %w", err)
	}
	b.logger.Info("discord bridge started")
	return nil
}

// Stop closes the gateway connection.
func (b *DiscordBridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.removeHandler != nil {
		b.removeHandler()
	}
	b.mu.Unlock()
	return b.session.Close()
}

// Send implements Outbound by posting text to a Discord channel.
func (b *DiscordBridge) Send(ctx context.Context, channelID, text string) error {
	_, err := b.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bridge: send discord message: %w", err)
	}
	return nil
}
