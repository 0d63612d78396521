// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const whatsappPrefix = "whatsapp:"

// Sender sends WhatsApp messages and returns the provider message id.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	SendMedia(ctx context.Context, to string, body string, mediaURL string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	authToken string
	fromWhats string // "whatsapp:+1234567890"
}

// NewClient creates a Twilio client. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{
		api:       rest.Api,
		authToken: cfg.AuthToken,
		fromWhats: Address(cfg.FromWhats),
	}, nil
}

// Address returns the "whatsapp:+<digits>" form of a phone number.
func Address(number string) string {
	return whatsappPrefix + Canonical(number)
}

// Canonical strips the whatsapp: prefix and ensures a leading "+".
func Canonical(number string) string {
	n := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(number), whatsappPrefix))
	if n != "" && !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return n
}

// SendMessage sends a WhatsApp text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	return c.SendMedia(ctx, to, body, "")
}

// SendMedia sends a WhatsApp message with an optional single media URL.
func (c *Client) SendMedia(ctx context.Context, to string, body string, mediaURL string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMedia failed", "to", to, "hasMedia", mediaURL != "", "error", ProviderMessage(err))
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid, "hasMedia", mediaURL != "")
	return sid, nil
}

// ValidateSignature checks the X-Twilio-Signature of an inbound webhook.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return ValidateSignature(c.authToken, url, params, signature)
}

// ValidateSignature checks a webhook signature against authToken.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	v := client.NewRequestValidator(authToken)
	return v.Validate(url, params, signature)
}

// ProviderMessage extracts the Twilio error text, falling back to err.Error().
func ProviderMessage(err error) string {
	if err == nil {
		return ""
	}
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return fmt.Sprintf("twilio error %d: %s", restErr.Code, restErr.Message)
	}
	return err.Error()
}

// ProviderStatus returns the HTTP status of a Twilio error, or 0.
func ProviderStatus(err error) int {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status
	}
	return 0
}

// MockClient records sends for tests. FailOn maps a body substring to the
// error returned when a message containing it is sent.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	FailOn       map[string]error
}

// SentMessage is one recorded send.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}, FailOn: map[string]error{}}
}

// SendMessage records a text message.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	return m.SendMedia(ctx, to, body, "")
}

// SendMedia records a message with optional media.
func (m *MockClient) SendMedia(ctx context.Context, to string, body string, mediaURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for needle, err := range m.FailOn {
		if strings.Contains(body, needle) {
			return "", err
		}
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, MediaURL: mediaURL})
	return fmt.Sprintf("SM%03d", len(m.SentMessages)), nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
