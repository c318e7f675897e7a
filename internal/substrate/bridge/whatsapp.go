package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // whatsmeow's session store driver
)

// WhatsAppConfig configures the WhatsApp bridge. Session state (the linked
// device's signal keys) is persisted to SessionPath across restarts.
type WhatsAppConfig struct {
	// SessionPath is the SQLite file backing whatsmeow's device store
	// (required).
	SessionPath string

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (c *WhatsAppConfig) validate() error {
	if c.SessionPath == "" {
		return fmt.Errorf("bridge: whatsapp session_path is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// WhatsAppBridge relays WhatsApp messages into scheduler requirements and
// delivers scheduler replies back as WhatsApp messages. When no session is
// linked yet, Start connects and returns without waiting for a QR scan;
// QRCodes() surfaces the pairing codes for an operator to display.
type WhatsAppBridge struct {
	cfg    WhatsAppConfig
	sched  Scheduler
	store  *sqlstore.Container
	client *whatsmeow.Client
	logger *slog.Logger

	qrCodes chan string
}

// NewWhatsAppBridge opens (creating if absent) the session store at
// cfg.SessionPath but does not connect; call Start for that.
func NewWhatsAppBridge(ctx context.Context, cfg WhatsAppConfig, sched Scheduler) (*WhatsAppBridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	container, err := sqlstore.New(initCtx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", cfg.SessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("bridge: open whatsapp session store: %w", err)
	}
	return &WhatsAppBridge{
		cfg:     cfg,
		sched:   sched,
		store:   container,
		logger:  cfg.Logger.With("bridge", "whatsapp"),
		qrCodes: make(chan string, 1),
	}, nil
}

// QRCodes surfaces pairing codes emitted while linking a new session.
func (b *WhatsAppBridge) QRCodes() <-chan string { return b.qrCodes }

// Start connects to WhatsApp, requesting a QR pairing code if no session is
// linked yet.
func (b *WhatsAppBridge) Start(ctx context.Context) error {
	device, err := b.store.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("bridge: get whatsapp device: %w", err)
	}
	b.client = whatsmeow.NewClient(device, waLog.Noop)
	b.client.AddEventHandler(b.handleEvent)

	if b.client.Store.ID == nil {
		qrChan, err := b.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("bridge: get whatsapp qr channel: %w", err)
		}
		if err := b.client.Connect(); err != nil {
			return fmt.Errorf("bridge: connect whatsapp: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					select {
					case b.qrCodes <- evt.Code:
					default:
					}
				}
			}
		}()
		return nil
	}

	if err := b.client.Connect(); err != nil {
		return fmt.Errorf("bridge: connect whatsapp: %w", err)
	}
	b.logger.Info("whatsapp bridge started")
	return nil
}

// Stop disconnects and releases the session store.
func (b *WhatsAppBridge) Stop(ctx context.Context) error {
	if b.client != nil {
		b.client.Disconnect()
	}
	return b.store.Close()
}

func (b *WhatsAppBridge) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Info.Chat.Server == "broadcast" {
		return
	}
	var text string
	switch {
	case msg.Message.GetConversation() != "":
		text = msg.Message.GetConversation()
	case msg.Message.GetExtendedTextMessage() != nil:
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}
	b.sched.SubmitRequirement(text, taskID(PlatformWhatsApp, msg.Info.Chat.String()))
}

// Send implements Outbound by sending text to a WhatsApp JID.
func (b *WhatsAppBridge) Send(ctx context.Context, jidStr, text string) error {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return fmt.Errorf("bridge: invalid whatsapp jid %q: %w", jidStr, err)
	}
	_, err = b.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("bridge: send whatsapp message: %w", err)
	}
	return nil
}
