package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/goodtune/ktrack/internal/report"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/gorilla/mux"
)

type categoryRequest struct {
	Category string `json:"category"`
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.Categories().List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list categories")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve categories")
		return
	}

	items := make([]storage.AppCategory, 0, len(categories))
	for app, category := range categories {
		items = append(items, storage.AppCategory{App: app, Category: category})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].App < items[j].App })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	app := strings.TrimSpace(mux.Vars(r)["app"])
	if app == "" {
		writeError(w, http.StatusBadRequest, "app must not be empty")
		return
	}

	var req categoryRequest
	if err := readJSON(w, r, 1<<12, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = report.CategoryNone
	}

	if err := s.store.Categories().Set(r.Context(), app, category); err != nil {
		s.logger.Error().Err(err).Str("app", app).Msg("Failed to set category")
		writeError(w, http.StatusInternalServerError, "Failed to save category")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"app":      app,
		"category": category,
	})
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	app := strings.TrimSpace(mux.Vars(r)["app"])

	err := s.store.Categories().Delete(r.Context(), app)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Str("app", app).Msg("Failed to delete category")
		writeError(w, http.StatusInternalServerError, "Failed to delete category")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"removed": err == nil,
	})
}
