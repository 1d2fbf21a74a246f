package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrCodeEU/facegate/pkg/db"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

type redeemRequest struct {
	Token string `json:"token"`
}

type redeemResponse struct {
	UserID string `json:"user_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.reg.Len(),
	})
}

// handleRetrain rebuilds the global table from every enrolled user.
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if s.opts.RetrainKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.RetrainKey)) != 1 {
		writeError(w, http.StatusForbidden, "invalid key")
		return
	}

	records, err := s.records.ListFaceIDs(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list face ids")
		writeError(w, http.StatusInternalServerError, "retrain failed")
		return
	}

	refs := make([]storage.UserRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, storage.UserRef{UserID: rec.UserID, FaceID: rec.ID})
	}

	stats, err := s.store.RebuildGlobal(refs)
	if err != nil {
		s.log.WithError(err).Error("Failed to rebuild global table")
		writeError(w, http.StatusInternalServerError, "retrain failed")
		return
	}
	if len(stats.Missing) > 0 {
		s.log.WithField("users", stats.Missing).Warn("Users without an embedding table")
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRedeem exchanges a one-time token for the user it was minted for.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	tok, err := s.records.RedeemToken(r.Context(), req.Token, s.opts.TokenTTL)
	switch {
	case errors.Is(err, db.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrTokenUsed):
		writeError(w, http.StatusConflict, "already used")
	case errors.Is(err, db.ErrTokenExpired):
		writeError(w, http.StatusGone, "expired")
	case err != nil:
		s.log.WithError(err).Error("Failed to redeem token")
		writeError(w, http.StatusInternalServerError, "redeem failed")
	default:
		writeJSON(w, http.StatusOK, redeemResponse{UserID: tok.UserID})
	}
}
