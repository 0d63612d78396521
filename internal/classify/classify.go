// Package classify holds the pure message classifiers used to steer a turn:
// language, intent, response mode and time window. Nothing here performs I/O.
package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Lang is the detected user language.
type Lang string

const (
	LangEnglish Lang = "en"
	LangSpanish Lang = "es"
)

// IntentKind is the coarse purpose of a message.
type IntentKind string

const (
	IntentChat      IntentKind = "chat"
	IntentGreeting  IntentKind = "greeting"
	IntentGratitude IntentKind = "gratitude"
	IntentRequest   IntentKind = "request"
)

// ResponseMode selects which half of the prompt contract the model should follow.
type ResponseMode string

const (
	// ModeConversational asks for plain text.
	ModeConversational ResponseMode = "conversational"
	// ModeRecommendations asks for a single JSON recommendation object.
	ModeRecommendations ResponseMode = "recommendations"
)

var (
	requestPhrases = []string{
		// en
		"recommend", "recommendation", "recommendations", "suggest", "suggestion", "suggestions",
		"find me", "show me", "looking for", "i want", "i need", "what should", "where can",
		"where should", "what can i do", "what to do", "anything", "ideas",
		// es
		"recomenda", "recomendame", "recomendas", "recomendacion", "recomendaciones",
		"sugeri", "sugerime", "sugerencia", "sugerencias", "busco", "buscando", "quiero",
		"necesito", "que hay", "hay algo", "conoces", "mostrame", "pasame", "dame", "que hago",
		"donde puedo", "a donde", "algun plan",
	}
	categoryPhrases = []string{
		// en
		"event", "events", "plans", "bar", "bars", "restaurant", "restaurants", "food", "coffee",
		"music", "concert", "concerts", "show", "shows", "party", "parties", "club", "clubs",
		"meetup", "meetups", "coupon", "coupons", "discount", "discounts", "deal", "deals",
		"promo", "promos", "theater", "exhibition", "market", "brunch", "drinks", "activities",
		"things to do", "going out", "nightlife", "gig", "gigs", "festival",
		// es
		"evento", "eventos", "planes", "bares", "restaurantes", "comida", "cafe", "cafes",
		"musica", "concierto", "conciertos", "fiesta", "fiestas", "boliche", "boliches",
		"cupon", "cupones", "descuento", "descuentos", "ofertas", "tango", "jazz", "teatro",
		"muestra", "muestras", "feria", "ferias", "mercado", "tragos", "actividades",
		"que hacer", "salir", "milonga",
	}
	greetingPhrases = []string{
		"hi", "hello", "hey", "good morning", "good afternoon", "good evening", "whats up", "what's up",
		"hola", "buenas", "buen dia", "buenos dias", "buenas tardes", "buenas noches", "que tal", "holi",
	}
	gratitudePhrases = []string{
		"thanks", "thank you", "thx", "ty", "appreciate it", "awesome thanks",
		"gracias", "muchas gracias", "mil gracias", "te agradezco", "genial gracias",
	}
	englishMarkers = []string{
		"the", "and", "is", "are", "what", "where", "how", "i", "you", "my", "for", "to", "of",
		"with", "this", "some", "can", "do", "want", "looking", "something", "please", "thanks",
		"hi", "hello", "hey", "tonight", "today", "tomorrow", "weekend", "events", "up", "good",
	}
	spanishMarkers = []string{
		"el", "la", "los", "las", "que", "de", "y", "en", "un", "una", "para", "con", "por", "es",
		"hay", "donde", "como", "quiero", "busco", "algo", "hoy", "esta", "noche", "manana",
		"finde", "semana", "hola", "gracias", "eventos", "vos", "tenes", "podes", "buenas", "che",
	}
)

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases msg, strips accents and collapses it to space-separated
// word tokens padded with a leading and trailing space.
func Normalize(msg string) string {
	folded, _, err := transform.String(accentStripper, strings.ToLower(msg))
	if err != nil {
		folded = strings.ToLower(msg)
	}
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	if len(words) == 0 {
		return " "
	}
	return " " + strings.Join(words, " ") + " "
}

// containsAny reports whether the normalized text contains any phrase as whole words.
func containsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(normalized, Normalize(p)) {
			return true
		}
	}
	return false
}

func countWords(normalized string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(normalized, " "+w+" ")
	}
	return n
}

// Language guesses English or Spanish. Ties resolve to English.
func Language(msg string) Lang {
	if strings.ContainsAny(msg, "¿¡ñÑ") {
		return LangSpanish
	}
	normalized := Normalize(msg)
	es := countWords(normalized, spanishMarkers)
	en := countWords(normalized, englishMarkers)
	if es > en {
		return LangSpanish
	}
	return LangEnglish
}

// Mode decides whether msg is a specific recommendation request: a category
// noun, or a request verb combined with a time window.
func Mode(msg string) ResponseMode {
	normalized := Normalize(msg)
	if containsAny(normalized, categoryPhrases) {
		return ModeRecommendations
	}
	if containsAny(normalized, requestPhrases) && TimeWindow(msg) != WindowNone {
		return ModeRecommendations
	}
	return ModeConversational
}

// Intent classifies msg. Recommendation requests win over greetings so
// "hola, qué eventos hay hoy?" is a request.
func Intent(msg string) IntentKind {
	if Mode(msg) == ModeRecommendations {
		return IntentRequest
	}
	normalized := Normalize(msg)
	if containsAny(normalized, requestPhrases) {
		return IntentRequest
	}
	if containsAny(normalized, gratitudePhrases) {
		return IntentGratitude
	}
	if containsAny(normalized, greetingPhrases) {
		return IntentGreeting
	}
	return IntentChat
}

// ContainsPhrase reports whether msg contains any of the phrases as whole
// words, ignoring case and accents.
func ContainsPhrase(msg string, phrases ...string) bool {
	return containsAny(Normalize(msg), phrases)
}
