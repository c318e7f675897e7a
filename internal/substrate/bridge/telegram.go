package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramConfig configures the Telegram bridge.
type TelegramConfig struct {
	// Token is the bot token issued by @BotFather (required).
	Token string

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (c *TelegramConfig) validate() error {
	if c.Token == "" {
		return fmt.Errorf("bridge: telegram token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// TelegramBridge relays Telegram chat messages into scheduler requirements
// via long polling, and delivers scheduler replies back as chat messages.
type TelegramBridge struct {
	cfg    TelegramConfig
	sched  Scheduler
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbot.Bot
}

// NewTelegramBridge constructs a bridge bound to sched but does not start
// polling; call Start for that.
func NewTelegramBridge(cfg TelegramConfig, sched Scheduler) (*TelegramBridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TelegramBridge{cfg: cfg, sched: sched, logger: cfg.Logger.With("bridge", "telegram")}, nil
}

// Start creates the bot client, registers the text handler, and begins long
// polling. It returns once the bot is created; polling runs in a background
// goroutine until ctx is canceled.
func (b *TelegramBridge) Start(ctx context.Context) error {
	bot, err := tgbot.New(b.cfg.Token, tgbot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return fmt.Errorf("bridge: create telegram bot: %w", err)
	}
	b.mu.Lock()
	b.bot = bot
	b.mu.Unlock()

	go bot.Start(ctx)
	b.logger.Info("telegram bridge started")
	return nil
}

// Stop is a no-op beyond canceling the context passed to Start; the
// go-telegram/bot client shuts its polling loop down on ctx.Done().
func (b *TelegramBridge) Stop(ctx context.Context) error { return nil }

func (b *TelegramBridge) handleUpdate(ctx context.Context, api *tgbot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	b.sched.SubmitRequirement(update.Message.Text, taskID(PlatformTelegram, chatID))
}

// Send implements Outbound by posting text to a Telegram chat.
func (b *TelegramBridge) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bridge: invalid telegram chat id %q: %w", chatID, err)
	}
	b.mu.Lock()
	bot := b.bot
	b.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("bridge: telegram bot not started")
	}
	_, err = bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		return fmt.Errorf("bridge: send telegram message: %w", err)
	}
	return nil
}
