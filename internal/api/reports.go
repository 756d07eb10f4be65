package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/ktrack/internal/report"
)

const (
	defaultRecentLimit  = 50
	maxRecentLimit      = 500
	defaultRankingLimit = 20
	maxRankingLimit     = 100
)

// OverviewResponse is the overview payload for one range.
type OverviewResponse struct {
	Mode                  string `json:"mode"`
	AnchorDate            string `json:"anchor_date"`
	RangeStartDate        string `json:"range_start_date"`
	RangeEndDateInclusive string `json:"range_end_date_inclusive"`
	DaysCount             int    `json:"days_count"`
	UpdatedAtTs           int64  `json:"updated_at_ts"`
	*report.Summary
}

// RankingResponse is the top of the overview grouping for one range.
type RankingResponse struct {
	Mode                  string        `json:"mode"`
	GroupBy               string        `json:"group_by"`
	RangeStartDate        string        `json:"range_start_date"`
	RangeEndDateInclusive string        `json:"range_end_date_inclusive"`
	TotalHuman            string        `json:"total_human"`
	ActiveHuman           string        `json:"active_human"`
	AFKHuman              string        `json:"afk_human"`
	UnattributedHuman     string        `json:"unattributed_human"`
	Items                 []report.Item `json:"items"`
	Count                 int           `json:"count"`
	UpdatedAtTs           int64         `json:"updated_at_ts"`
}

// RecentItem is one row of the recent sessions listing.
type RecentItem struct {
	ID int64 `json:"id"`
	report.ExportItem
}

// resolveRange reads mode, anchor_date, start_date and end_date from the
// query. date is accepted as an alias of anchor_date.
func (s *Server) resolveRange(r *http.Request) (report.Range, time.Time, error) {
	q := r.URL.Query()
	anchor := q.Get("anchor_date")
	if anchor == "" {
		anchor = q.Get("date")
	}

	now := s.now()
	rng, err := report.ResolveRange(q.Get("mode"), anchor, q.Get("start_date"), q.Get("end_date"), now)
	return rng, now, err
}

func (s *Server) collect(r *http.Request, rng report.Range, now time.Time) ([]report.Segment, error) {
	return report.Collect(
		r.Context(),
		s.store.Sessions(),
		s.tracker.Status().Current,
		s.rules.Filter(),
		rng.StartTs(),
		rng.EndTs(),
		now.Unix(),
	)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.overview(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	limit := defaultRankingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRankingLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxRankingLimit))
			return
		}
		limit = n
	}

	resp, ok := s.overview(w, r)
	if !ok {
		return
	}

	items := resp.ByApp
	if resp.GroupBy == report.GroupByCategory {
		items = resp.ByCategory
	}
	if len(items) > limit {
		items = items[:limit]
	}

	writeJSON(w, http.StatusOK, RankingResponse{
		Mode:                  resp.Mode,
		GroupBy:               resp.GroupBy,
		RangeStartDate:        resp.RangeStartDate,
		RangeEndDateInclusive: resp.RangeEndDateInclusive,
		TotalHuman:            resp.TotalHuman,
		ActiveHuman:           resp.ActiveHuman,
		AFKHuman:              resp.AFKHuman,
		UnattributedHuman:     resp.UnattributedHuman,
		Items:                 items,
		Count:                 len(items),
		UpdatedAtTs:           resp.UpdatedAtTs,
	})
}

// overview builds the overview for the request range, writing any error
// response itself.
func (s *Server) overview(w http.ResponseWriter, r *http.Request) (*OverviewResponse, bool) {
	ctx := r.Context()

	groupBy := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("group_by")))
	if groupBy == "" {
		groupBy = report.GroupByApp
	}
	if groupBy != report.GroupByApp && groupBy != report.GroupByCategory {
		writeError(w, http.StatusBadRequest, "group_by must be app or category")
		return nil, false
	}

	rng, now, err := s.resolveRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, rangeMessage(err))
		return nil, false
	}

	segments, err := s.collect(r, rng, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to collect sessions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return nil, false
	}

	categories, err := s.store.Categories().List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list categories")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve categories")
		return nil, false
	}

	summary := report.Overview(segments, rng.StartTs(), rng.EndTs(), rng.Start.Location(), categories, groupBy)
	return &OverviewResponse{
		Mode:                  rng.Mode,
		AnchorDate:            rng.Anchor.Format(time.DateOnly),
		RangeStartDate:        rng.Start.Format(time.DateOnly),
		RangeEndDateInclusive: rng.LastDay().Format(time.DateOnly),
		DaysCount:             rng.Days(),
		UpdatedAtTs:           now.Unix(),
		Summary:               summary,
	}, true
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecentLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxRecentLimit))
			return
		}
		limit = n
	}

	sessions, err := s.store.Sessions().Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list recent sessions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	loc := s.now().Location()
	items := make([]RecentItem, 0, len(sessions))
	for _, session := range sessions {
		seg := report.Segment{
			App:     session.App,
			Title:   session.Title,
			Source:  session.Source,
			StartTs: session.StartTs,
			EndTs:   session.EndTs,
		}
		items = append(items, RecentItem{ID: session.ID, ExportItem: report.ExportItems([]report.Segment{seg}, loc)[0]})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	rng, now, err := s.resolveRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, rangeMessage(err))
		return
	}

	segments, err := s.collect(r, rng, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to collect sessions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	export := report.NewExport(rng, segments, now)
	if format == "json" {
		writeJSON(w, http.StatusOK, export)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.CSVFilename(rng)))
	w.WriteHeader(http.StatusOK)
	if err := report.WriteCSV(w, export.Items); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write CSV export")
	}
}

func rangeMessage(err error) string {
	if errors.Is(err, report.ErrInvalidRange) {
		return strings.TrimPrefix(err.Error(), report.ErrInvalidRange.Error()+": ")
	}
	return err.Error()
}
