package profiling

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/theunahub/yara/internal/classify"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	namePattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:my name is|my name's|i'm|i’m|i am|call me|me llamo|mi nombre es|soy)\s+([\p{L}][\p{L}'\-]*)`)
	agePattern  = regexp.MustCompile(`(?:^|[^\d])(\d{1,3})(?:[^\d]|$)`)

	titleCaser = cases.Title(language.Und)

	notNames = map[string]bool{
		"de": true, "del": true, "la": true, "el": true, "un": true, "una": true, "muy": true,
		"from": true, "a": true, "an": true, "the": true, "not": true, "so": true, "very": true,
		"yes": true, "no": true, "si": true, "sí": true, "ok": true, "okay": true, "nope": true,
		"later": true, "despues": true, "después": true, "fine": true, "good": true, "bien": true,
		"looking": true, "interested": true, "here": true, "aca": true, "acá": true,
	}
)

var budgetPhrases = []struct {
	level   string
	phrases []string
}{
	{"low", []string{"low", "cheap", "tight", "on a budget", "budget friendly", "not much", "free", "barato", "baratos", "bajo", "poco", "economico", "gratis", "ajustado"}},
	{"medium", []string{"medium", "mid", "moderate", "average", "medio", "moderado", "normal", "intermedio"}},
	{"high", []string{"high", "expensive", "no limit", "splurge", "alto", "caro", "sin limite", "lujo"}},
}

// Neighborhoods lists the Buenos Aires barrios recognised in answers.
// Multi-word names come first so "Palermo Soho" wins over "Palermo".
var Neighborhoods = []string{
	"Palermo Soho", "Palermo Hollywood", "Villa Crespo", "San Telmo", "Puerto Madero",
	"Villa Urquiza", "La Boca", "Palermo", "Recoleta", "Belgrano", "Colegiales", "Chacarita",
	"Almagro", "Caballito", "Núñez", "Microcentro", "Boedo", "Balvanera", "Retiro",
	"Coghlan", "Saavedra", "Barracas", "Monserrat", "Abasto", "Once",
}

var interestSynonyms = []struct {
	interest string
	phrases  []string
}{
	{"music", []string{"music", "musica", "live music", "concerts", "recitales"}},
	{"jazz", []string{"jazz"}},
	{"tango", []string{"tango", "milonga", "milongas"}},
	{"electronic", []string{"electronic", "techno", "house", "electronica"}},
	{"rock", []string{"rock"}},
	{"food", []string{"food", "comida", "restaurants", "restaurantes", "gastronomia", "foodie"}},
	{"drinks", []string{"drinks", "bars", "cocktails", "tragos", "bares", "cerveza", "beer", "wine", "vino"}},
	{"coffee", []string{"coffee", "cafe", "cafes"}},
	{"art", []string{"art", "arte", "galleries", "galerias", "museums", "museos"}},
	{"theater", []string{"theater", "theatre", "teatro"}},
	{"film", []string{"film", "movies", "cinema", "cine"}},
	{"dance", []string{"dance", "dancing", "baile", "bailar"}},
	{"sports", []string{"sports", "deportes", "futbol", "football", "running"}},
	{"wellness", []string{"yoga", "wellness", "meditation", "meditacion"}},
	{"markets", []string{"markets", "ferias", "feria", "mercados"}},
	{"comedy", []string{"comedy", "stand up", "standup", "humor"}},
	{"tech", []string{"tech", "tecnologia", "startups", "networking"}},
	{"books", []string{"books", "libros", "reading", "lectura"}},
}

// ExtractName finds a first name in an answer such as "I'm Sofi", "me llamo
// Juan" or a bare "Sofi".
func ExtractName(answer string) (string, bool) {
	if m := namePattern.FindStringSubmatch(answer); m != nil {
		candidate := m[1]
		if !notNames[strings.ToLower(candidate)] {
			return titleCaser.String(candidate), true
		}
	}

	fields := strings.FieldsFunc(strings.TrimSpace(answer), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(".,!?¡¿;:", r)
	})
	if len(fields) == 0 || len(fields) > 2 {
		return "", false
	}
	if classify.Intent(answer) != classify.IntentChat || classify.Mode(answer) != classify.ModeConversational {
		return "", false
	}
	for _, f := range fields {
		if notNames[strings.ToLower(f)] {
			return "", false
		}
		for _, r := range f {
			if !unicode.IsLetter(r) && r != '\'' && r != '-' {
				return "", false
			}
		}
	}
	return titleCaser.String(strings.Join(fields, " ")), true
}

// ExtractAge returns the first plausible age (13..99) mentioned in answer.
func ExtractAge(answer string) (int, bool) {
	for _, m := range agePattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= 13 && n <= 99 {
			return n, true
		}
	}
	return 0, false
}

// ExtractBudget maps budget wording to low, medium or high.
func ExtractBudget(answer string) (string, bool) {
	for _, b := range budgetPhrases {
		if classify.ContainsPhrase(answer, b.phrases...) {
			return b.level, true
		}
	}
	return "", false
}

// ExtractNeighborhoods returns the known neighborhoods mentioned in answer.
func ExtractNeighborhoods(answer string) []string {
	var found []string
	for _, hood := range Neighborhoods {
		if !classify.ContainsPhrase(answer, hood) {
			continue
		}
		covered := false
		for _, f := range found {
			if strings.HasPrefix(f, hood+" ") {
				covered = true
				break
			}
		}
		if !covered {
			found = append(found, hood)
		}
	}
	return found
}

// ExtractInterests returns canonical interest tags mentioned in answer.
func ExtractInterests(answer string) []string {
	var found []string
	for _, in := range interestSynonyms {
		if classify.ContainsPhrase(answer, in.phrases...) {
			found = append(found, in.interest)
		}
	}
	return found
}
