// Package delivery fans a turn's reply out to the user's channel.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/twiliowhatsapp"
)

const (
	DefaultIntroDelay = time.Second
	DefaultItemDelay  = 500 * time.Millisecond
)

var labelPattern = regexp.MustCompile(`(?m)^(Date|Time|Fecha|Hora):`)

// Sleeper waits between sends. Implementations must return early with the
// context error when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TurnAppender records outbound messages as assistant turns.
type TurnAppender interface {
	AppendTurn(ctx context.Context, turn models.ConversationTurn) error
}

// WhatsAppOpts configures WhatsAppDelivery.
type WhatsAppOpts struct {
	IntroDelay time.Duration
	ItemDelay  time.Duration
	Sleeper    Sleeper
	Turns      TurnAppender
	Recorder   func(status models.MessageStatus)
}

// WhatsAppOption configures WhatsAppDelivery.
type WhatsAppOption func(*WhatsAppOpts)

// WithIntroDelay sets the pause after the intro message.
func WithIntroDelay(d time.Duration) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.IntroDelay = d }
}

// WithItemDelay sets the pause between recommendation messages.
func WithItemDelay(d time.Duration) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.ItemDelay = d }
}

// WithSleeper replaces the timer-based sleeper.
func WithSleeper(s Sleeper) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.Sleeper = s }
}

// WithTurnStore appends every sent message to the conversation store.
func WithTurnStore(t TurnAppender) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.Turns = t }
}

// WithStatusRecorder is called once per send with its outcome.
func WithStatusRecorder(fn func(models.MessageStatus)) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.Recorder = fn }
}

// WhatsAppDelivery sends a batch as an intro followed by one message per item.
type WhatsAppDelivery struct {
	sender twiliowhatsapp.Sender
	opts   WhatsAppOpts
}

// NewWhatsAppDelivery creates a WhatsAppDelivery.
func NewWhatsAppDelivery(sender twiliowhatsapp.Sender, opts ...WhatsAppOption) *WhatsAppDelivery {
	cfg := WhatsAppOpts{IntroDelay: DefaultIntroDelay, ItemDelay: DefaultItemDelay, Sleeper: TimerSleeper{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = TimerSleeper{}
	}
	return &WhatsAppDelivery{sender: sender, opts: cfg}
}

// ItemResult is the outcome of one recommendation send.
type ItemResult struct {
	Index   int    `json:"index"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Success bool   `json:"success"`
	SID     string `json:"sid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Summary reports a fan-out. Success means the dispatch loop completed.
type Summary struct {
	Success bool         `json:"success"`
	Sent    int          `json:"sent"`
	Total   int          `json:"total"`
	Results []ItemResult `json:"results"`
}

// WhatsAppRequest is one fan-out.
type WhatsAppRequest struct {
	To        string
	ChannelID string // defaults to To
	Batch     models.RecommendationBatch
	Lang      classify.Lang
}

// Deliver sends the intro, waits IntroDelay, then sends each item with
// ItemDelay between sends. A failed send is recorded and the loop goes on.
// The only error returned is ctx's, when cancelled mid-loop.
func (d *WhatsAppDelivery) Deliver(ctx context.Context, req WhatsAppRequest) (Summary, error) {
	channelID := req.ChannelID
	if channelID == "" {
		channelID = req.To
	}
	items := req.Batch.Recommendations
	summary := Summary{Total: len(items), Results: make([]ItemResult, 0, len(items))}

	if intro := strings.TrimSpace(req.Batch.IntroMessage); intro != "" {
		if _, err := d.send(ctx, req.To, channelID, intro, ""); err != nil {
			slog.Warn("WhatsAppDelivery.Deliver: intro send failed", "to", req.To, "error", twiliowhatsapp.ProviderMessage(err))
		}
		if len(items) > 0 {
			if err := d.opts.Sleeper.Sleep(ctx, d.opts.IntroDelay); err != nil {
				return summary, err
			}
		}
	}

	for i, item := range items {
		if i > 0 {
			if err := d.opts.Sleeper.Sleep(ctx, d.opts.ItemDelay); err != nil {
				return summary, err
			}
		}
		body := FormatItem(item, req.Lang)
		result := ItemResult{Index: i, ID: item.ID, Title: item.Title}
		sid, err := d.send(ctx, req.To, channelID, body, item.ImageURL)
		if err != nil {
			result.Error = twiliowhatsapp.ProviderMessage(err)
			slog.Error("WhatsAppDelivery.Deliver: item send failed", "to", req.To, "index", i, "id", item.ID, "error", result.Error)
		} else {
			result.Success = true
			result.SID = sid
			summary.Sent++
		}
		summary.Results = append(summary.Results, result)
	}

	summary.Success = true
	slog.Info("WhatsAppDelivery.Deliver: fan-out complete", "to", req.To, "sent", summary.Sent, "total", summary.Total)
	return summary, nil
}

// SendText sends a single plain message and records it.
func (d *WhatsAppDelivery) SendText(ctx context.Context, to, channelID, body string) error {
	if channelID == "" {
		channelID = to
	}
	_, err := d.send(ctx, to, channelID, body, "")
	return err
}

func (d *WhatsAppDelivery) send(ctx context.Context, to, channelID, body, mediaURL string) (string, error) {
	sid, err := d.sender.SendMedia(ctx, to, body, mediaURL)
	if d.opts.Recorder != nil {
		if err != nil {
			d.opts.Recorder(models.MessageStatusFailed)
		} else {
			d.opts.Recorder(models.MessageStatusSent)
		}
	}
	if err != nil {
		return "", err
	}
	if d.opts.Turns != nil {
		turn := models.ConversationTurn{ChannelID: channelID, Role: models.RoleAssistant, Content: body}
		if appendErr := d.opts.Turns.AppendTurn(ctx, turn); appendErr != nil {
			slog.Warn("WhatsAppDelivery.send: failed to record turn", "channelID", channelID, "error", appendErr)
		}
	}
	return sid, nil
}

// FormatItem renders one recommendation as a WhatsApp message: bold title,
// description, event date and time, optional link and, for events, the
// personal note.
func FormatItem(item models.CandidateItem, lang classify.Lang) string {
	es := lang == classify.LangSpanish
	var lines []string
	lines = append(lines, "*"+strings.TrimSpace(item.Title)+"*")
	if desc := strings.TrimSpace(item.Description); desc != "" {
		lines = append(lines, desc)
	}
	if ev := item.Event; ev != nil {
		dateLabel, timeLabel, whereLabel, priceLabel := "Date", "Time", "Where", "Price"
		if es {
			dateLabel, timeLabel, whereLabel, priceLabel = "Fecha", "Hora", "Dónde", "Precio"
		}
		if ev.Date != "" {
			lines = append(lines, dateLabel+": "+ev.Date)
		}
		if ev.Time != "" {
			lines = append(lines, timeLabel+": "+ev.Time)
		}
		if ev.Location != "" {
			lines = append(lines, whereLabel+": "+ev.Location)
		}
		if ev.Price != "" {
			lines = append(lines, priceLabel+": "+ev.Price)
		}
	}
	if item.SourceURL != "" {
		label := "More info"
		if es {
			label = "Más info"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, item.SourceURL))
	}
	if item.Kind == models.ItemKindEvent && strings.TrimSpace(item.PersonalNote) != "" {
		lines = append(lines, "_"+strings.TrimSpace(item.PersonalNote)+"_")
	}
	return BoldLabels(strings.Join(lines, "\n"))
}

// BoldLabels bolds Date:/Time:/Fecha:/Hora: labels at line starts.
func BoldLabels(text string) string {
	return labelPattern.ReplaceAllString(text, "*$1:*")
}
