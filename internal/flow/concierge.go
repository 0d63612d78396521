// Package flow runs one concierge turn end to end: conversation window,
// profiling, grounding, prompt, model call and recommendation merge.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/metrics"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/profiling"
	"github.com/theunahub/yara/internal/prompt"
	"github.com/theunahub/yara/internal/recommend"
	"github.com/theunahub/yara/internal/store"
)

// DefaultInteractionLimit bounds the engagement history read per turn.
const DefaultInteractionLimit = 50

// LLM is the model surface the flow needs.
type LLM interface {
	Invoke(ctx context.Context, req genai.Request) (*genai.Result, error)
	Stream(ctx context.Context, req genai.Request, onDelta func(string)) (string, error)
}

// GroundingSource provides the per-turn catalog snapshot.
type GroundingSource interface {
	FetchGroundingData(ctx context.Context, now time.Time) (gateway.GroundingData, error)
}

// Store is the persistence the flow reads and writes.
type Store interface {
	store.ConversationStore
	store.ProfileStore
	store.InteractionStore
}

// Opts holds ConciergeFlow configuration.
type Opts struct {
	Window           time.Duration
	Location         *time.Location
	Composer         *prompt.Composer
	Merger           *recommend.Merger
	Clock            func() time.Time
	Metrics          *metrics.ConciergeMetrics
	WhatsAppTools    bool
	InteractionLimit int
}

// Option configures a ConciergeFlow.
type Option func(*Opts)

// WithWindow sets the conversation window.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Window = d
		}
	}
}

// WithLocation sets the catalog time zone used for dates shown to the model.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		if loc != nil {
			o.Location = loc
		}
	}
}

// WithComposer sets the system prompt composer.
func WithComposer(c *prompt.Composer) Option {
	return func(o *Opts) { o.Composer = c }
}

// WithMerger sets the recommendation merger.
func WithMerger(m *recommend.Merger) Option {
	return func(o *Opts) { o.Merger = m }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithMetrics records turn metrics.
func WithMetrics(m *metrics.ConciergeMetrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithWhatsAppTools lets the model answer WhatsApp recommendation turns with
// send_recommendation calls instead of JSON.
func WithWhatsAppTools(enabled bool) Option {
	return func(o *Opts) { o.WhatsAppTools = enabled }
}

// ConciergeFlow handles concierge turns. It holds no per-user state; all of it
// lives in the store.
type ConciergeFlow struct {
	store            Store
	grounding        GroundingSource
	llm              LLM
	composer         *prompt.Composer
	merger           *recommend.Merger
	window           time.Duration
	loc              *time.Location
	now              func() time.Time
	metrics          *metrics.ConciergeMetrics
	whatsappTools    bool
	interactionLimit int
}

// NewConciergeFlow creates a flow with its dependencies.
func NewConciergeFlow(st Store, grounding GroundingSource, llm LLM, opts ...Option) *ConciergeFlow {
	cfg := Opts{
		Window:           models.DefaultConversationWindow,
		Location:         time.UTC,
		Clock:            time.Now,
		InteractionLimit: DefaultInteractionLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Composer == nil {
		cfg.Composer = prompt.NewComposer()
	}
	if cfg.Merger == nil {
		cfg.Merger = recommend.NewMerger()
	}
	slog.Debug("ConciergeFlow.NewConciergeFlow: creating flow", "window", cfg.Window, "location", cfg.Location, "whatsappTools", cfg.WhatsAppTools)
	return &ConciergeFlow{
		store:            st,
		grounding:        grounding,
		llm:              llm,
		composer:         cfg.Composer,
		merger:           cfg.Merger,
		window:           cfg.Window,
		loc:              cfg.Location,
		now:              cfg.Clock,
		metrics:          cfg.Metrics,
		whatsappTools:    cfg.WhatsAppTools,
		interactionLimit: cfg.InteractionLimit,
	}
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	Channel   models.Channel
	ChannelID string
	Message   string
	// OnDelta, when set, streams conversational replies as they are generated.
	OnDelta func(string)
}

// TurnResult is what the transport delivers.
type TurnResult struct {
	Text  string
	Batch models.RecommendationBatch
	Mode  classify.ResponseMode
	Lang  classify.Lang
	// Streamed means Text was already forwarded through OnDelta. When it is
	// false after deltas went out, Text replaces them.
	Streamed bool
	// ProfilingQuestion is sent after a recommendation batch. It is already
	// appended to Text; WhatsApp sends it as its own message.
	ProfilingQuestion string
	Failure           genai.FailureKind
}

// HasRecommendations reports whether the result carries cards.
func (r TurnResult) HasRecommendations() bool { return r.Batch.Len() > 0 }

// ValidateRequest checks the inbound message before any I/O.
func ValidateRequest(req TurnRequest) error {
	if strings.TrimSpace(req.ChannelID) == "" {
		return models.ErrEmptyChannelID
	}
	if strings.TrimSpace(req.Message) == "" {
		return models.ErrEmptyMessage
	}
	if len(req.Message) > models.MaxMessageLength {
		return models.ErrMessageTooLong
	}
	return nil
}

// HandleTurn runs one turn. Only validation errors are returned; upstream
// failures come back as a TurnResult with a user-safe Text and Failure set.
func (f *ConciergeFlow) HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if err := ValidateRequest(req); err != nil {
		return TurnResult{}, err
	}
	start := f.now()
	msg := strings.TrimSpace(req.Message)
	lang := classify.Language(msg)
	mode := classify.Mode(msg)
	result := TurnResult{Mode: mode, Lang: lang}

	slog.Info("ConciergeFlow.HandleTurn: processing turn", "channel", req.Channel, "channelID", req.ChannelID, "mode", mode, "lang", lang)

	window, err := store.Window(ctx, f.store, req.ChannelID, start, f.window)
	if err != nil {
		slog.Warn("ConciergeFlow.HandleTurn: window read failed, treating as new conversation", "channelID", req.ChannelID, "error", err)
		window = nil
	}
	f.appendTurn(ctx, req.ChannelID, models.RoleUser, msg, start)

	profile := f.loadProfile(ctx, req.ChannelID)
	if profiling.Apply(profile, msg) {
		f.saveProfile(ctx, profile)
	}

	grounding, err := f.grounding.FetchGroundingData(ctx, start)
	if err != nil {
		slog.Error("ConciergeFlow.HandleTurn: grounding fetch failed", "channelID", req.ChannelID, "error", err)
		return f.fail(req, result, genai.FailureTransient, start), nil
	}
	if mode == classify.ModeRecommendations {
		if from, to, ok := classify.TimeWindow(msg).DateRange(start.In(f.loc)); ok {
			grounding = grounding.FilterEvents(from, to)
		}
	}

	interactions, err := f.store.ListInteractions(ctx, req.ChannelID, f.interactionLimit)
	if err != nil {
		slog.Warn("ConciergeFlow.HandleTurn: interaction read failed", "channelID", req.ChannelID, "error", err)
	}

	// Text-mode turns embed the due profiling question in the prompt.
	var questionText string
	var textQuestion profiling.Question
	if mode == classify.ModeConversational {
		if q, ok := profiling.NextQuestion(profile); ok && profile.PendingQuestion != string(q.Key) {
			textQuestion = q
			questionText = q.Text(lang)
		}
	}

	toolsEnabled := f.whatsappTools && req.Channel == models.ChannelWhatsApp && mode == classify.ModeRecommendations
	pc := prompt.BuildContext(grounding, profile, interactions, window,
		prompt.WithNow(start.In(f.loc)),
		prompt.WithLang(lang),
		prompt.WithTools(toolsEnabled),
	)
	llmReq := genai.Request{
		SystemPrompt: f.composer.SystemPrompt(pc, mode, questionText),
		History:      pc.History(),
		UserMessage:  msg,
		ToolsEnabled: toolsEnabled,
	}

	output, toolCalls, streamed, err := f.invoke(ctx, llmReq, mode, req.OnDelta)
	if err != nil {
		kind := genai.Classify(err)
		slog.Error("ConciergeFlow.HandleTurn: model invocation failed", "channelID", req.ChannelID, "kind", kind, "error", err)
		f.metrics.ObserveLLM(string(kind))
		return f.fail(req, result, kind, start), nil
	}
	f.metrics.ObserveLLM("ok")

	var outcome recommend.ParseOutcome
	if len(toolCalls) > 0 {
		outcome = recommend.OutcomeFromToolCalls(output, toolCalls)
	} else {
		outcome = recommend.Parse(output)
	}
	if outcome.Kind == recommend.OutcomeParseError {
		slog.Warn("ConciergeFlow.HandleTurn: unusable JSON in model output, treating as text", "channelID", req.ChannelID, "reason", outcome.Reason)
	}

	if outcome.IsRecommendations() {
		result.Mode = classify.ModeRecommendations
		result.Batch = f.merger.Merge(ctx, recommend.MergeRequest{
			Outcome:   outcome,
			Grounding: grounding,
			LiveQuery: msg,
			Lang:      lang,
		})
		result.Text = result.Batch.IntroMessage
		if result.Batch.Len() > 0 {
			f.recordBatch(ctx, req.ChannelID, profile, result.Batch)
			if q, ok := profiling.NextQuestion(profile); ok {
				result.ProfilingQuestion = q.Text(lang)
				profile.PendingQuestion = string(q.Key)
				f.saveProfile(ctx, profile)
			}
		}
		f.appendAssistantBatch(ctx, req, result)
		if result.ProfilingQuestion != "" {
			result.Text = strings.TrimSpace(result.Text + "\n\n" + result.ProfilingQuestion)
		}
	} else {
		result.Mode = classify.ModeConversational
		result.Text = strings.TrimSpace(outcome.Text)
		if result.Text == "" {
			result.Text = UserSafeMessage(genai.FailureUnknown, lang)
		}
		// Only prose the user already saw counts as delivered.
		result.Streamed = streamed && result.Text == strings.TrimSpace(output)
		if textQuestion.Key != profiling.QuestionNone {
			profile.PendingQuestion = string(textQuestion.Key)
			f.saveProfile(ctx, profile)
		}
		f.appendTurn(ctx, req.ChannelID, models.RoleAssistant, result.Text, f.now())
	}

	f.metrics.ObserveTurn(string(req.Channel), string(result.Mode), "ok", f.now().Sub(start).Seconds())
	slog.Info("ConciergeFlow.HandleTurn: turn complete", "channelID", req.ChannelID, "mode", result.Mode, "recommendations", result.Batch.Len(), "streamed", result.Streamed)
	return result, nil
}

func (f *ConciergeFlow) invoke(ctx context.Context, req genai.Request, mode classify.ResponseMode, onDelta func(string)) (string, []genai.ToolCall, bool, error) {
	// Recommendation JSON is never streamed to the user.
	if onDelta != nil && mode == classify.ModeConversational {
		gate := newStreamGate(onDelta)
		text, err := f.llm.Stream(ctx, req, gate.write)
		return text, nil, gate.complete(), err
	}
	res, err := f.llm.Invoke(ctx, req)
	if err != nil {
		return "", nil, false, err
	}
	return res.Text, res.ToolCalls, false, nil
}

func (f *ConciergeFlow) fail(req TurnRequest, result TurnResult, kind genai.FailureKind, start time.Time) TurnResult {
	result.Failure = kind
	result.Text = UserSafeMessage(kind, result.Lang)
	f.metrics.ObserveTurn(string(req.Channel), string(result.Mode), string(kind), f.now().Sub(start).Seconds())
	return result
}

func (f *ConciergeFlow) loadProfile(ctx context.Context, channelID string) *models.UserProfile {
	profile, err := f.store.GetProfile(ctx, channelID)
	if err != nil {
		slog.Warn("ConciergeFlow.loadProfile: profile read failed", "channelID", channelID, "error", err)
	}
	if profile == nil {
		profile = &models.UserProfile{ID: channelID}
	}
	return profile
}

func (f *ConciergeFlow) saveProfile(ctx context.Context, profile *models.UserProfile) {
	if err := f.store.SaveProfile(ctx, profile); err != nil {
		slog.Warn("ConciergeFlow.saveProfile: profile write failed", "channelID", profile.ID, "error", err)
	}
}

// recordBatch stores a "recommended" interaction per database item and bumps
// the recommendation count that drives profiling.
func (f *ConciergeFlow) recordBatch(ctx context.Context, channelID string, profile *models.UserProfile, batch models.RecommendationBatch) {
	for _, item := range batch.Recommendations {
		if item.IsLive() {
			continue
		}
		rec := models.InteractionRecord{
			ChannelID:       channelID,
			ItemType:        item.Kind,
			ItemID:          item.ID,
			InteractionType: models.InteractionRecommended,
		}
		if err := f.store.RecordInteraction(ctx, rec); err != nil {
			slog.Warn("ConciergeFlow.recordBatch: interaction write failed", "channelID", channelID, "itemID", item.ID, "error", err)
		}
	}
	count, err := f.store.IncrementRecommendationCount(ctx, channelID)
	if err != nil {
		slog.Warn("ConciergeFlow.recordBatch: count increment failed", "channelID", channelID, "error", err)
		return
	}
	profile.RecommendationCount = count
}

// appendAssistantBatch records the batch for web turns. WhatsApp deliveries
// record each outbound message themselves.
func (f *ConciergeFlow) appendAssistantBatch(ctx context.Context, req TurnRequest, result TurnResult) {
	if req.Channel == models.ChannelWhatsApp && result.Batch.Len() > 0 {
		return
	}
	content := result.Batch.IntroMessage
	if result.Batch.Len() > 0 {
		env, err := models.NewRecommendationEnvelope(result.Batch)
		if err != nil {
			slog.Warn("ConciergeFlow.appendAssistantBatch: envelope encode failed", "error", err)
		} else {
			content = env
		}
	}
	f.appendTurn(ctx, req.ChannelID, models.RoleAssistant, content, f.now())
	if result.ProfilingQuestion != "" {
		f.appendTurn(ctx, req.ChannelID, models.RoleAssistant, result.ProfilingQuestion, f.now())
	}
}

func (f *ConciergeFlow) appendTurn(ctx context.Context, channelID string, role models.Role, content string, at time.Time) {
	if strings.TrimSpace(content) == "" {
		return
	}
	turn := models.ConversationTurn{ChannelID: channelID, Role: role, Content: content, CreatedAt: at}
	if err := f.store.AppendTurn(ctx, turn); err != nil {
		slog.Warn("ConciergeFlow.appendTurn: append failed", "channelID", channelID, "role", role, "error", err)
	}
}
