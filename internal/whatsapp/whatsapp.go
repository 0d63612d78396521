// Package whatsapp wraps the whatsmeow client for a direct WhatsApp session.
//
// It is the alternative to the Twilio transport: outbound sends go through the
// linked device and inbound messages arrive as whatsmeow events.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/theunahub/yara/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the default whatsmeow device database.
	DefaultSQLitePath = "/var/lib/yara/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// InboundMessage is a text message received on the linked device.
type InboundMessage struct {
	ID        string
	From      string // E.164 with leading +
	Body      string
	Timestamp int64
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// sender is the part of *whatsmeow.Client used for outbound messages.
type sender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Client wraps the whatsmeow client.
type Client struct {
	send     sender
	waClient *whatsmeow.Client
}

// NewClient opens the device store, logs in (printing a QR code on first use)
// and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
	}
	dbDriver := DriverFor(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not have foreign keys enabled; whatsmeow requires them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp server", "error", err)
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{send: waClient, waClient: waClient}, nil
}

func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// DriverFor picks the whatsmeow SQL dialect for dsn.
func DriverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// SendMessage sends a text message and returns its WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	return c.SendMedia(ctx, to, body, "")
}

// SendMedia sends body with mediaURL appended as a link. The linked-device
// protocol needs uploaded media, so images are shared by URL.
func (c *Client) SendMedia(ctx context.Context, to, body, mediaURL string) (string, error) {
	if c == nil || c.send == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	user := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(to), "whatsapp:"), "+")
	if user == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	text := ComposeText(body, mediaURL)
	if text == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	resp, err := c.send.SendMessage(ctx, types.NewJID(user, JIDSuffix), &waE2E.Message{Conversation: &text})
	if err != nil {
		slog.Error("Client.SendMedia: send failed", "error", err, "to", user)
		return "", fmt.Errorf("failed to send message to %s: %w", user, err)
	}
	slog.Debug("Client.SendMedia: sent", "to", user, "id", resp.ID)
	return string(resp.ID), nil
}

// ComposeText joins body and an optional media link.
func ComposeText(body, mediaURL string) string {
	body = strings.TrimSpace(body)
	mediaURL = strings.TrimSpace(mediaURL)
	switch {
	case mediaURL == "":
		return body
	case body == "":
		return mediaURL
	default:
		return body + "\n" + mediaURL
	}
}

// OnMessage registers fn for inbound text messages from other users. Group
// chats, own messages and non-text messages are ignored.
func (c *Client) OnMessage(fn func(InboundMessage)) {
	if c == nil || c.waClient == nil {
		slog.Warn("Client.OnMessage: no live session, inbound messages disabled")
		return
	}
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if in, ok := Inbound(msg); ok {
			fn(in)
		}
	})
}

// Inbound converts a whatsmeow message event.
func Inbound(evt *events.Message) (InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return InboundMessage{}, false
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(text) == "" {
		return InboundMessage{}, false
	}
	return InboundMessage{
		ID:        string(evt.Info.ID),
		From:      "+" + evt.Info.Sender.User,
		Body:      text,
		Timestamp: evt.Info.Timestamp.Unix(),
	}, true
}

// Disconnect closes the session.
func (c *Client) Disconnect() {
	if c != nil && c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records sends without a WhatsApp connection.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to, body string) (string, error) {
	return m.SendMedia(ctx, to, body, "")
}

func (m *MockClient) SendMedia(ctx context.Context, to, body, mediaURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Body: ComposeText(body, mediaURL)})
	return fmt.Sprintf("WA%03d", len(m.sent)), nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
