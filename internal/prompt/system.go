package prompt

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/theunahub/yara/internal/classify"
)

//go:embed persona.txt
var defaultPersona string

// RecommendationSchema is the JSON shape the model must emit in recommendation mode.
const RecommendationSchema = `{"type":"recommendations","intro_message":"<one friendly sentence>","recommendations":[{"type":"event|business|coupon","id":"<exact id from AVAILABLE DATA>","title":"...","description":"...","date":"YYYY-MM-DD","time":"HH:MM","location":"...","price":"...","image_url":"...","url":"...","personal_note":"<why it fits this user>"}]}`

// Composer renders system prompts on top of a persona.
type Composer struct {
	persona string
}

// NewComposer returns a Composer using the built-in persona.
func NewComposer() *Composer {
	return &Composer{persona: strings.TrimSpace(defaultPersona)}
}

// LoadPersona replaces the persona with the contents of file. An empty path
// keeps the built-in persona.
func (c *Composer) LoadPersona(file string) error {
	if file == "" {
		slog.Debug("Composer.LoadPersona: no persona file configured, using built-in persona")
		return nil
	}
	if _, err := os.Stat(file); os.IsNotExist(err) {
		slog.Warn("Composer.LoadPersona: persona file not found", "file", file)
		return fmt.Errorf("persona file not found: %s", file)
	}
	content, err := os.ReadFile(file)
	if err != nil {
		slog.Error("Composer.LoadPersona: failed to read persona file", "error", err, "file", file)
		return fmt.Errorf("failed to read persona file: %w", err)
	}
	persona := strings.TrimSpace(string(content))
	if persona == "" {
		return fmt.Errorf("persona file is empty: %s", file)
	}
	c.persona = persona
	slog.Info("Composer.LoadPersona: persona loaded", "file", file, "length", len(persona))
	return nil
}

// Persona returns the active persona text.
func (c *Composer) Persona() string {
	return c.persona
}

// BuildSystemPrompt renders the system prompt with the built-in persona.
func BuildSystemPrompt(pc PromptContext, mode classify.ResponseMode, question string) string {
	return NewComposer().SystemPrompt(pc, mode, question)
}

// SystemPrompt renders the system prompt for one turn. The profiling question
// is only embedded in conversational mode; in recommendation mode the caller
// appends it after the batch.
func (c *Composer) SystemPrompt(pc PromptContext, mode classify.ResponseMode, question string) string {
	sections := []string{c.persona}

	if !pc.Now.IsZero() {
		sections = append(sections, "Current date and time in Buenos Aires: "+pc.Now.Format("Monday 2006-01-02 15:04"))
	}
	sections = append(sections, statusInstruction(pc))
	if pc.ProfileBlock != "" {
		sections = append(sections, pc.ProfileBlock)
	}
	if pc.InteractionBlock != "" {
		sections = append(sections, pc.InteractionBlock)
	}
	sections = append(sections, "AVAILABLE DATA (recommend only these, using their exact ids):\n"+pc.GroundingJSON())
	sections = append(sections, languageInstruction(pc.Lang))

	if mode == classify.ModeRecommendations {
		sections = append(sections, recommendationContract(pc.ToolsEnabled))
	} else {
		sections = append(sections, conversationalContract(question))
	}
	return strings.Join(sections, "\n\n")
}

func statusInstruction(pc PromptContext) string {
	switch pc.Status {
	case StatusReturning:
		return fmt.Sprintf("The user %s is returning after a while. Welcome them back by name, briefly.", pc.UserName)
	case StatusContinuing:
		return "This conversation is ongoing. Do not greet again; pick up from the recent messages."
	default:
		return "This is a new conversation. Greet the user warmly in one short line."
	}
}

func languageInstruction(lang classify.Lang) string {
	if lang == classify.LangSpanish {
		return "Reply in Spanish as spoken in Buenos Aires (voseo)."
	}
	return "Reply in English."
}

func recommendationContract(tools bool) string {
	if tools {
		return "RESPONSE FORMAT: The user asked for specific recommendations. " +
			"Call send_recommendation once per item (at most 6), using exact ids from AVAILABLE DATA. " +
			"Then reply with one short intro sentence. Never invent ids."
	}
	return "RESPONSE FORMAT: The user asked for specific recommendations. " +
		"Respond with ONLY one JSON object and no text before or after it, matching:\n" + RecommendationSchema + "\n" +
		"Include at most 6 items. Use exact ids from AVAILABLE DATA and never invent ids. " +
		"If nothing matches, return an empty recommendations array and say so in intro_message."
}

func conversationalContract(question string) string {
	contract := "RESPONSE FORMAT: Reply in plain conversational text, never JSON. Keep it short and warm. " +
		"If the user seems interested in plans, offer to suggest something concrete."
	if question != "" {
		contract += fmt.Sprintf("\nEnd your reply by asking exactly this, once: %q", question)
	}
	return contract
}
