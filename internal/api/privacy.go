package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/gorilla/mux"
)

type createRuleRequest struct {
	Scope     string `json:"scope"`
	MatchMode string `json:"match_mode"`
	Pattern   string `json:"pattern"`
	Enabled   *bool  `json:"enabled"`
}

type patchRuleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list privacy rules")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve privacy rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": rules,
		"count": len(rules),
		"stats": s.rules.Filter().Stats(),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := readJSON(w, r, 1<<16, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, err := s.rules.Create(r.Context(), req.Scope, req.MatchMode, req.Pattern, enabled)
	if err != nil {
		if errors.Is(err, privacy.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Failed to create privacy rule")
		writeError(w, http.StatusInternalServerError, "Failed to save privacy rule")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"item": rule,
	})
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	var req patchRuleRequest
	if err := readJSON(w, r, 1<<10, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	rule, err := s.rules.SetEnabled(r.Context(), id, *req.Enabled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Privacy rule not found")
			return
		}
		s.logger.Error().Err(err).Int64("rule_id", id).Msg("Failed to update privacy rule")
		writeError(w, http.StatusInternalServerError, "Failed to update privacy rule")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"item": rule,
	})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	if err := s.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Privacy rule not found")
			return
		}
		s.logger.Error().Err(err).Int64("rule_id", id).Msg("Failed to delete privacy rule")
		writeError(w, http.StatusInternalServerError, "Failed to delete privacy rule")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"removed": true,
	})
}
