package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/messaging"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/recommend"
)

type whatsappRecommendationsRequest struct {
	To              string                 `json:"to"`
	IntroMessage    string                 `json:"intro_message"`
	Recommendations []models.CandidateItem `json:"recommendations"`
	Lang            string                 `json:"lang"`
}

// whatsappRecommendationsHandler fans a batch out to one WhatsApp number and
// answers with the per-item summary.
func (s *Server) whatsappRecommendationsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req whatsappRecommendationsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<10)).Decode(&req); err != nil {
		slog.Warn("Server.whatsappRecommendationsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.To == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyRecipient.Error()))
		return
	}
	to, err := messaging.CanonicalizePhone(req.To)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	items := recommend.Combine(req.Recommendations, nil, models.MaxRecommendations)
	if len(items) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrNoRecommendation.Error()))
		return
	}
	lang := classify.LangEnglish
	if classify.Lang(req.Lang) == classify.LangSpanish {
		lang = classify.LangSpanish
	}

	summary, err := s.opts.Delivery.Deliver(r.Context(), delivery.WhatsAppRequest{
		To:    to,
		Batch: models.RecommendationBatch{IntroMessage: req.IntroMessage, Recommendations: items},
		Lang:  lang,
	})
	if err != nil {
		slog.Warn("Server.whatsappRecommendationsHandler: fan-out interrupted", "error", err, "to", to)
	}
	writeJSONResponse(w, http.StatusOK, summary)
}

// archiveEventsHandler deactivates events whose date has passed.
func (s *Server) archiveEventsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := gateway.ArchiveExpiredEvents(r.Context(), s.opts.Archiver, time.Now(), s.opts.Location, s.opts.ArchiveGrace)
	if err != nil {
		slog.Error("Server.archiveEventsHandler: archive failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to archive events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"archived": n}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
