// Package models defines the core data structures for the Yara concierge.
//
// It includes conversation turns, user profiles, candidate items, interaction
// records and the API response envelope shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Conversation and recommendation defaults.
const (
	// MaxRecommendations caps every recommendation batch.
	MaxRecommendations = 6
	// DefaultConversationWindow bounds the turns that count as the current conversation.
	DefaultConversationWindow = 30 * time.Minute
	// DefaultContextTurns is the number of recent turns sent to the model.
	DefaultContextTurns = 6
	// MaxMessageLength bounds inbound user messages.
	MaxMessageLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyChannelID   = errors.New("channel id cannot be empty")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
	ErrInvalidRole      = errors.New("invalid conversation role")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrNoRecommendation = errors.New("at least one recommendation is required")
)

// Channel identifies the transport a conversation runs on.
type Channel string

const (
	// ChannelWeb is the in-app chat widget.
	ChannelWeb Channel = "web"
	// ChannelWhatsApp is the WhatsApp number (Twilio or direct session).
	ChannelWhatsApp Channel = "whatsapp"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationTurn is one append-only entry of the conversation log.
// Content is opaque: plain text or a serialized envelope (see envelope.go).
type ConversationTurn struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the invariants of a turn before it is appended.
func (t ConversationTurn) Validate() error {
	if strings.TrimSpace(t.ChannelID) == "" {
		return ErrEmptyChannelID
	}
	if !IsValidRole(t.Role) {
		return ErrInvalidRole
	}
	return nil
}

// UserProfile is built progressively as the user answers profiling questions.
// Zero values mean "unknown".
type UserProfile struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name,omitempty"`
	Age                   int       `json:"age,omitempty"`
	Location              string    `json:"location,omitempty"`
	Interests             []string  `json:"interests,omitempty"`
	BudgetPreference      string    `json:"budget_preference,omitempty"`
	FavoriteNeighborhoods []string  `json:"favorite_neighborhoods,omitempty"`
	RecommendationCount   int       `json:"recommendation_count"`
	PendingQuestion       string    `json:"pending_question,omitempty"` // profiling question awaiting an answer
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// HasName reports whether the name field is known.
func (p *UserProfile) HasName() bool { return p != nil && strings.TrimSpace(p.Name) != "" }

// HasAge reports whether the age field is known.
func (p *UserProfile) HasAge() bool { return p != nil && p.Age > 0 }

// HasBudget reports whether the budget preference is known.
func (p *UserProfile) HasBudget() bool {
	return p != nil && strings.TrimSpace(p.BudgetPreference) != ""
}

// HasNeighborhoods reports whether favorite neighborhoods are known.
func (p *UserProfile) HasNeighborhoods() bool { return p != nil && len(p.FavoriteNeighborhoods) > 0 }

// HasInterests reports whether interests are known.
func (p *UserProfile) HasInterests() bool { return p != nil && len(p.Interests) > 0 }

// ItemKind tags the CandidateItem variant.
type ItemKind string

const (
	ItemKindEvent    ItemKind = "event"
	ItemKindBusiness ItemKind = "business"
	ItemKindCoupon   ItemKind = "coupon"
	ItemKindLive     ItemKind = "live"
)

// IsValidItemKind checks if the given kind is a known variant.
func IsValidItemKind(k ItemKind) bool {
	switch k {
	case ItemKindEvent, ItemKindBusiness, ItemKindCoupon, ItemKindLive:
		return true
	default:
		return false
	}
}

// EventDetails holds the fields only the Event variant carries.
type EventDetails struct {
	Date      string `json:"date,omitempty"` // YYYY-MM-DD
	Time      string `json:"time,omitempty"` // HH:MM
	Location  string `json:"location,omitempty"`
	Price     string `json:"price,omitempty"`
	Mood      string `json:"mood,omitempty"`
	MusicType string `json:"music_type,omitempty"`
}

// CandidateItem is one recommendable unit. Kind selects the variant:
// event/business/coupon ids reference grounding rows, live items carry a
// synthetic "live-{n}" id and a SourceURL.
type CandidateItem struct {
	Kind           ItemKind      `json:"type"`
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	ImageURL       string        `json:"image_url,omitempty"`
	SourceURL      string        `json:"url,omitempty"`
	Event          *EventDetails `json:"event,omitempty"`
	PersonalNote   string        `json:"personal_note,omitempty"`
	WhyRecommended string        `json:"why_recommended,omitempty"`
}

// IsRenderable reports whether the item carries enough to build a delivery unit.
func (c CandidateItem) IsRenderable() bool {
	return strings.TrimSpace(c.Title) != "" && strings.TrimSpace(c.Description) != ""
}

// IsLive reports whether the item came from live web search.
func (c CandidateItem) IsLive() bool { return c.Kind == ItemKindLive }

// Key identifies the item across tables; ids are only unique per kind.
func (c CandidateItem) Key() string { return CandidateKey(c.Kind, c.ID) }

// CandidateKey joins kind and id as "kind:id".
func CandidateKey(kind ItemKind, id string) string { return string(kind) + ":" + id }

// InteractionType describes how a user engaged with an item.
type InteractionType string

const (
	InteractionRecommended InteractionType = "recommended"
	InteractionViewed      InteractionType = "viewed"
	InteractionClicked     InteractionType = "clicked"
	InteractionSaved       InteractionType = "saved"
	InteractionAttended    InteractionType = "attended"
)

// InteractionRecord is an append-only engagement signal.
type InteractionRecord struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channel_id"`
	ItemType        ItemKind        `json:"item_type"` // event or business
	ItemID          string          `json:"item_id"`
	InteractionType InteractionType `json:"interaction_type"`
	CreatedAt       time.Time       `json:"created_at"`
}

// IsEngagement reports whether the record is a genuine engagement signal.
func (r InteractionRecord) IsEngagement() bool {
	return r.InteractionType != InteractionRecommended
}

// RecommendationBatch is the transient per-turn result of the merger.
type RecommendationBatch struct {
	IntroMessage    string          `json:"intro_message"`
	Recommendations []CandidateItem `json:"recommendations"`
	MaxCount        int             `json:"-"`
}

// Len returns the number of recommendations in the batch.
func (b *RecommendationBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Recommendations)
}

// CountBySource splits the batch into database-sourced and live items.
func (b *RecommendationBatch) CountBySource() (community, live int) {
	if b == nil {
		return 0, 0
	}
	for _, item := range b.Recommendations {
		if item.IsLive() {
			live++
		} else {
			community++
		}
	}
	return community, live
}

// Event is a full events row as stored in the database.
type Event struct {
	ID           string
	Title        string
	Description  string
	Date         string // YYYY-MM-DD
	Time         string // HH:MM
	Location     string
	Neighborhood string
	Price        string
	Mood         string
	MusicType    string
	ImageURL     string
	OrganizerID  string
	Active       bool
	CreatedAt    time.Time
}

// Business is a full businesses/items row.
type Business struct {
	ID           string
	Name         string
	Description  string
	Category     string
	Neighborhood string
	Address      string
	ImageURL     string
	Website      string
	OwnerID      string
	Active       bool
	CreatedAt    time.Time
}

// Coupon is a full coupons row.
type Coupon struct {
	ID           string
	Title        string
	Description  string
	Discount     string
	BusinessID   string
	BusinessName string
	ValidUntil   string
	ImageURL     string
	Active       bool
	CreatedAt    time.Time
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Response represents an incoming message from a WhatsApp user.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
