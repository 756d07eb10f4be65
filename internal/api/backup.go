package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/goodtune/ktrack/internal/backup"
)

// maxRestoreBytes bounds the size of an uploaded backup document.
const maxRestoreBytes = 256 << 20

func (s *Server) handleBackupExport(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	doc, err := backup.Export(r.Context(), s.store, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to export backup")
		writeError(w, http.StatusInternalServerError, "Failed to export backup")
		return
	}

	filename := now.Format("ktrack-backup-20060102-150405.json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	replace := false
	if raw := r.URL.Query().Get("replace"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "replace must be a boolean")
			return
		}
		replace = v
	}

	doc, err := backup.Decode(http.MaxBytesReader(w, r.Body, maxRestoreBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := backup.Restore(r.Context(), s.tracker, s.store, s.rules, doc, replace)
	if err != nil {
		s.logger.Error().Err(err).Bool("replace", replace).Msg("Failed to restore backup")
		writeError(w, http.StatusInternalServerError, "Failed to restore backup")
		return
	}

	s.logger.Info().
		Bool("replace", replace).
		Int("sessions", result.InsertedSessions).
		Int("categories", result.SavedCategories).
		Int("rules", result.SavedPrivacyRules).
		Int("skipped_rules", result.SkippedPrivacyRules).
		Msg("Backup restored")

	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*backup.Result
	}{OK: true, Result: result})
}
