package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/goodtune/ktrack/internal/detector"
)

type privacyHealth struct {
	RulesCount   int  `json:"rules_count"`
	EnabledRules int  `json:"enabled_rules"`
	AppRules     int  `json:"app_rules"`
	TitleRules   int  `json:"title_rules"`
	PolicyLoaded bool `json:"policy_loaded"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rules, err := s.rules.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list privacy rules")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve privacy rules")
		return
	}
	stats := s.rules.Filter().Stats()

	resp := map[string]interface{}{
		"ok":      true,
		"db_path": s.config.DBPath,
		"tracker": s.tracker.Status(),
		"privacy": privacyHealth{
			RulesCount:   len(rules),
			EnabledRules: stats.EnabledRules,
			AppRules:     stats.AppRules,
			TitleRules:   stats.TitleRules,
			PolicyLoaded: stats.PolicyLoaded,
		},
		"timestamp": s.now().Unix(),
	}

	var caps *detector.Capabilities
	var idle *detector.IdleCapabilities
	if s.windows != nil {
		c := s.windows.Capabilities(ctx)
		caps = &c
		resp["capabilities"] = c
	}
	if s.idle != nil {
		c := s.idle.Capabilities()
		idle = &c
		resp["idle"] = c
	}
	resp["notes"] = healthNotes(caps, idle)

	writeJSON(w, http.StatusOK, resp)
}

// healthNotes explains detection gaps in plain language.
func healthNotes(caps *detector.Capabilities, idle *detector.IdleCapabilities) []string {
	notes := []string{}

	if caps != nil {
		switch caps.SessionType {
		case detector.SessionWayland:
			switch {
			case caps.PreferredBackend == detector.BackendHyprctl:
				notes = append(notes, "Wayland session: using the native Hyprland backend (hyprctl).")
			case caps.PreferredBackend == detector.BackendKWin:
				notes = append(notes, "Wayland session: using the native KDE backend (KWin DBus).")
			case caps.CanDetectX11:
				notes = append(notes, "Wayland session: using the XWayland fallback (xdotool/xprop). Native Wayland apps may not always appear.")
				if !caps.KWinDBusEnabled {
					notes = append(notes, "The KWin DBus backend is disabled by default. Set detector.enable_kwin_dbus to try it.")
				}
			default:
				notes = append(notes, "Wayland session without a supported backend. Install hyprctl (Hyprland) or use an X11 session.")
			}
		case detector.SessionX11:
			if caps.CanDetectX11 {
				notes = append(notes, "X11 session: full detection with xdotool/xprop.")
			} else {
				var missing []string
				if !caps.Xdotool {
					missing = append(missing, "xdotool")
				}
				if !caps.Xprop {
					missing = append(missing, "xprop")
				}
				notes = append(notes, "X11 session, but window detection tools are missing: install "+strings.Join(missing, ", ")+".")
			}
		default:
			if !caps.CanDetectX11 && !caps.CanDetectWaylandNative {
				notes = append(notes, "Unknown session type and no detection backend available. Install xdotool and xprop for X11.")
			}
		}
	}

	if idle != nil && idle.Enabled && !idle.Available {
		notes = append(notes, "Idle detection unavailable. Install xprintidle (or xssstate) or enable the org.freedesktop.ScreenSaver DBus service.")
	}

	return notes
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"paused": s.tracker.Status().Paused,
	})
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := readJSON(w, r, 1<<10, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Paused == nil {
		writeError(w, http.StatusBadRequest, "paused is required")
		return
	}
	s.setPaused(w, r, *req.Paused)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	err := s.tracker.SetPaused(r.Context(), paused)
	if errors.Is(err, activity.ErrBulkInProgress) {
		writeError(w, http.StatusConflict, "A restore or import is in progress; tracking stays paused until it finishes")
		return
	}
	if err != nil {
		// The pause still applies; only the flush of the open segment failed.
		s.logger.Error().Err(err).Bool("paused", paused).Msg("Failed to flush segment while changing pause state")
		writeError(w, http.StatusInternalServerError, "Failed to persist the open session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"paused": paused,
	})
}
