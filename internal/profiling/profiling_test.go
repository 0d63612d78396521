package profiling

import (
	"reflect"
	"strings"
	"testing"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/models"
)

func TestNextQuestionMilestones(t *testing.T) {
	tests := []struct {
		name    string
		profile *models.UserProfile
		want    QuestionKey
		ok      bool
	}{
		{"nil profile", nil, QuestionNone, false},
		{"count 0", &models.UserProfile{}, QuestionNone, false},
		{"count 1 no name", &models.UserProfile{RecommendationCount: 1}, QuestionName, true},
		{"count 1 with name", &models.UserProfile{RecommendationCount: 1, Name: "Sofi"}, QuestionNone, false},
		{"count 2 missing budget", &models.UserProfile{RecommendationCount: 2, Age: 30}, QuestionAgeBudget, true},
		{"count 3 missing age", &models.UserProfile{RecommendationCount: 3, BudgetPreference: "low"}, QuestionAgeBudget, true},
		{"count 3 complete", &models.UserProfile{RecommendationCount: 3, Age: 30, BudgetPreference: "low"}, QuestionNone, false},
		{"count 4 missing both", &models.UserProfile{RecommendationCount: 4}, QuestionNeighborhoodsInterests, true},
		{"count 5 missing interests", &models.UserProfile{RecommendationCount: 5, FavoriteNeighborhoods: []string{"Palermo"}}, QuestionNeighborhoodsInterests, true},
		{"count 6", &models.UserProfile{RecommendationCount: 6}, QuestionNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := NextQuestion(tt.profile)
			if ok != tt.ok || q.Key != tt.want {
				t.Errorf("NextQuestion = (%q, %v), want (%q, %v)", q.Key, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNameQuestionNeverRepeatsOnceSet(t *testing.T) {
	for count := 0; count <= 10; count++ {
		q, ok := NextQuestion(&models.UserProfile{Name: "Sofi", RecommendationCount: count})
		if ok && q.Key == QuestionName {
			t.Fatalf("name asked again at count %d", count)
		}
	}
}

func TestQuestionText(t *testing.T) {
	q := Question{Key: QuestionName}
	if !strings.Contains(q.Text(classify.LangEnglish), "what's your name?") {
		t.Errorf("unexpected english text %q", q.Text(classify.LangEnglish))
	}
	if !strings.Contains(q.Text(classify.LangSpanish), "llamás") {
		t.Errorf("unexpected spanish text %q", q.Text(classify.LangSpanish))
	}
	if (Question{}).Text(classify.LangEnglish) != "" {
		t.Error("empty question should render empty text")
	}
}

func TestApplyName(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"I'm sofi", "Sofi"},
		{"me llamo Juan Pablo", "Juan"},
		{"Mi nombre es MARÍA", "María"},
		{"Lucas", "Lucas"},
		{"Ana Laura!", "Ana Laura"},
		{"events tonight", ""},
		{"hola", ""},
		{"I'm looking for bars", ""},
	}
	for _, tt := range tests {
		p := &models.UserProfile{PendingQuestion: string(QuestionName)}
		Apply(p, tt.answer)
		if p.Name != tt.want {
			t.Errorf("Apply(%q) name = %q, want %q", tt.answer, p.Name, tt.want)
		}
		if tt.want != "" && p.PendingQuestion != "" {
			t.Errorf("pending question should clear after %q", tt.answer)
		}
	}
}

func TestApplyAgeBudget(t *testing.T) {
	p := &models.UserProfile{PendingQuestion: string(QuestionAgeBudget)}
	if !Apply(p, "tengo 29, presupuesto bajo") {
		t.Fatal("expected profile change")
	}
	if p.Age != 29 || p.BudgetPreference != "low" {
		t.Errorf("unexpected profile %+v", p)
	}
	if p.PendingQuestion != "" {
		t.Error("pending question should clear once age and budget are set")
	}

	partial := &models.UserProfile{PendingQuestion: string(QuestionAgeBudget)}
	Apply(partial, "I'm 34")
	if partial.Age != 34 || partial.PendingQuestion == "" {
		t.Errorf("partial answer should keep question pending: %+v", partial)
	}
}

func TestApplyNeighborhoodsInterests(t *testing.T) {
	p := &models.UserProfile{PendingQuestion: string(QuestionNeighborhoodsInterests)}
	Apply(p, "Me gusta Palermo Soho y San Telmo, sobre todo jazz y comida")
	if !reflect.DeepEqual(p.FavoriteNeighborhoods, []string{"Palermo Soho", "San Telmo"}) {
		t.Errorf("unexpected neighborhoods %v", p.FavoriteNeighborhoods)
	}
	if !reflect.DeepEqual(p.Interests, []string{"jazz", "food"}) {
		t.Errorf("unexpected interests %v", p.Interests)
	}
}

func TestApplyWithoutPendingIsNoop(t *testing.T) {
	p := &models.UserProfile{}
	if Apply(p, "I'm Sofi") || p.Name != "" {
		t.Error("answers without a pending question must not change the profile")
	}
	if Apply(nil, "x") {
		t.Error("nil profile must not report changes")
	}
}

func TestExtractAgeBounds(t *testing.T) {
	if _, ok := ExtractAge("I have 5000 pesos"); ok {
		t.Error("four digit numbers are not ages")
	}
	if _, ok := ExtractAge("I'm 8"); ok {
		t.Error("ages below 13 are rejected")
	}
	if age, ok := ExtractAge("about 45 years old"); !ok || age != 45 {
		t.Errorf("expected 45, got %d", age)
	}
}
