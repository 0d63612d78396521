// Package profiling implements progressive profiling: one question at a
// time, keyed by how many recommendation batches the user has received.
package profiling

import (
	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/models"
)

// QuestionKey identifies a profiling milestone.
type QuestionKey string

const (
	QuestionNone                   QuestionKey = ""
	QuestionName                   QuestionKey = "name"
	QuestionAgeBudget              QuestionKey = "age_budget"
	QuestionNeighborhoodsInterests QuestionKey = "neighborhoods_interests"
)

// Question is a profiling question ready to be asked.
type Question struct {
	Key QuestionKey
}

var questionText = map[QuestionKey]map[classify.Lang]string{
	QuestionName: {
		classify.LangEnglish: "By the way, what's your name?",
		classify.LangSpanish: "Por cierto, ¿cómo te llamás?",
	},
	QuestionAgeBudget: {
		classify.LangEnglish: "To fine-tune my picks: how old are you, and what's your usual budget for going out (low, medium or high)?",
		classify.LangSpanish: "Para afinar mis recomendaciones: ¿cuántos años tenés y qué presupuesto solés manejar para salir (bajo, medio o alto)?",
	},
	QuestionNeighborhoodsInterests: {
		classify.LangEnglish: "Which neighborhoods do you like to hang out in, and what are you into (music, food, art...)?",
		classify.LangSpanish: "¿Qué barrios te gustan para salir y qué cosas te interesan (música, comida, arte...)?",
	},
}

// Text renders the question in lang, falling back to English.
func (q Question) Text(lang classify.Lang) string {
	byLang, ok := questionText[q.Key]
	if !ok {
		return ""
	}
	if text, ok := byLang[lang]; ok {
		return text
	}
	return byLang[classify.LangEnglish]
}

// NextQuestion returns the milestone question due for profile, if any.
// A milestone whose fields are already set is skipped for good.
func NextQuestion(profile *models.UserProfile) (Question, bool) {
	if profile == nil {
		return Question{}, false
	}
	switch count := profile.RecommendationCount; {
	case count == 1 && !profile.HasName():
		return Question{Key: QuestionName}, true
	case (count == 2 || count == 3) && (!profile.HasAge() || !profile.HasBudget()):
		return Question{Key: QuestionAgeBudget}, true
	case (count == 4 || count == 5) && (!profile.HasNeighborhoods() || !profile.HasInterests()):
		return Question{Key: QuestionNeighborhoodsInterests}, true
	default:
		return Question{}, false
	}
}

// Satisfied reports whether every field the question asks for is set.
func Satisfied(profile *models.UserProfile, key QuestionKey) bool {
	switch key {
	case QuestionName:
		return profile.HasName()
	case QuestionAgeBudget:
		return profile.HasAge() && profile.HasBudget()
	case QuestionNeighborhoodsInterests:
		return profile.HasNeighborhoods() && profile.HasInterests()
	default:
		return true
	}
}

// Apply extracts an answer to the profile's pending question from the user's
// message. It reports whether any field changed. The pending question is
// cleared once its fields are all set.
func Apply(profile *models.UserProfile, answer string) bool {
	if profile == nil || profile.PendingQuestion == "" {
		return false
	}
	key := QuestionKey(profile.PendingQuestion)
	changed := false
	switch key {
	case QuestionName:
		if name, ok := ExtractName(answer); ok {
			profile.Name = name
			changed = true
		}
	case QuestionAgeBudget:
		if age, ok := ExtractAge(answer); ok {
			profile.Age = age
			changed = true
		}
		if budget, ok := ExtractBudget(answer); ok {
			profile.BudgetPreference = budget
			changed = true
		}
	case QuestionNeighborhoodsInterests:
		if hoods := ExtractNeighborhoods(answer); len(hoods) > 0 {
			profile.FavoriteNeighborhoods = mergeUnique(profile.FavoriteNeighborhoods, hoods)
			changed = true
		}
		if interests := ExtractInterests(answer); len(interests) > 0 {
			profile.Interests = mergeUnique(profile.Interests, interests)
			changed = true
		}
	}
	if Satisfied(profile, key) {
		if profile.PendingQuestion != "" {
			changed = true
		}
		profile.PendingQuestion = ""
	}
	return changed
}

func mergeUnique(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, v := range append(append([]string(nil), existing...), added...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
