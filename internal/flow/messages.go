package flow

import (
	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/genai"
)

var failureMessages = map[genai.FailureKind]map[classify.Lang]string{
	genai.FailureConfig: {
		classify.LangEnglish: "Sorry, I'm having configuration issues right now. Please try again later.",
		classify.LangSpanish: "Perdón, estoy teniendo problemas de configuración. Probá de nuevo más tarde.",
	},
	genai.FailureRateLimited: {
		classify.LangEnglish: "I'm getting a lot of messages right now. Please try again shortly.",
		classify.LangSpanish: "Estoy recibiendo muchos mensajes ahora. Probá de nuevo en un ratito.",
	},
	genai.FailureTransient: {
		classify.LangEnglish: "Sorry, I'm having trouble connecting right now. Please try again in a moment.",
		classify.LangSpanish: "Perdón, estoy teniendo problemas de conexión. Probá de nuevo en un momento.",
	},
}

// UserSafeMessage returns the reply shown to the user for a failed turn. It
// never includes upstream error details.
func UserSafeMessage(kind genai.FailureKind, lang classify.Lang) string {
	byLang, ok := failureMessages[kind]
	if !ok {
		byLang = failureMessages[genai.FailureTransient]
	}
	if msg, ok := byLang[lang]; ok {
		return msg
	}
	return byLang[classify.LangEnglish]
}
