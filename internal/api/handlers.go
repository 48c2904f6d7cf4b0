package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/confirm"
	"github.com/mtAerohand/draw/internal/crawler"
	"github.com/mtAerohand/draw/internal/id/uuid"
)

// draw handles GET /v1/draw?type=. Both a hit and an empty result answer 200;
// an empty result carries {"message": "no data"}.
func (s *Server) draw(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	link, err := s.drawer.Draw(ctx, r.URL.Query().Get("type"))
	switch {
	case errors.Is(err, crawler.ErrNoData):
		writeJSON(w, http.StatusOK, map[string]string{"message": crawler.ErrNoData.Error()})
	case err != nil:
		s.logger.Error("draw failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"link": link})
	}
}

// catalog handles GET /v1/catalog.
func (s *Server) catalog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	stats, err := s.drawer.Stats(ctx)
	if err != nil {
		s.logger.Error("catalog stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listConfirmations handles GET /v1/confirmations. It returns 503 when the
// process is not configured to take answers over HTTP.
func (s *Server) listConfirmations(w http.ResponseWriter, _ *http.Request) {
	if s.confirmations == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmations are not answered over HTTP")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": s.confirmations.List()})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

// answerConfirmation handles POST /v1/confirmations/{confirmation_id} with
// {"answer": "yes"|"no"}. A malformed id or any other answer is a 400 and
// leaves the confirmation pending.
func (s *Server) answerConfirmation(w http.ResponseWriter, r *http.Request) {
	if s.confirmations == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmations are not answered over HTTP")
		return
	}
	id := chi.URLParam(r, "confirmation_id")
	if !uuid.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid confirmation id")
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	approved, err := s.confirmations.Answer(id, req.Answer)
	switch {
	case errors.Is(err, confirm.ErrInvalidAnswer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, confirm.ErrUnknownConfirmation):
		writeError(w, http.StatusNotFound, "confirmation not found")
	case err != nil:
		s.logger.Error("answer confirmation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": approved})
	}
}
