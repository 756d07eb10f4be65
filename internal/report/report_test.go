package report

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/goodtune/ktrack/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

func utc(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestResolveRange(t *testing.T) {
	now := utc(2024, 5, 15, 10, 0) // Wednesday

	tests := []struct {
		name               string
		mode, anchor       string
		start, end         string
		wantStart, wantEnd time.Time
		wantDays           int
	}{
		{"default day", "", "", "", "", utc(2024, 5, 15, 0, 0), utc(2024, 5, 16, 0, 0), 1},
		{"anchored day", "DAY", "2024-03-01", "", "", utc(2024, 3, 1, 0, 0), utc(2024, 3, 2, 0, 0), 1},
		{"week starts monday", "week", "", "", "", utc(2024, 5, 13, 0, 0), utc(2024, 5, 20, 0, 0), 7},
		{"week on leap day", "week", "2024-02-29", "", "", utc(2024, 2, 26, 0, 0), utc(2024, 3, 4, 0, 0), 7},
		{"week on sunday", "week", "2024-05-19", "", "", utc(2024, 5, 13, 0, 0), utc(2024, 5, 20, 0, 0), 7},
		{"month", "month", "", "", "", utc(2024, 5, 1, 0, 0), utc(2024, 6, 1, 0, 0), 31},
		{"december", "month", "2023-12-24", "", "", utc(2023, 12, 1, 0, 0), utc(2024, 1, 1, 0, 0), 31},
		{"custom inclusive end", "custom", "", "2024-05-01", "2024-05-03", utc(2024, 5, 1, 0, 0), utc(2024, 5, 4, 0, 0), 3},
		{"custom max span", "custom", "", "2024-01-01", "2024-12-30", utc(2024, 1, 1, 0, 0), utc(2024, 12, 31, 0, 0), 365},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ResolveRange(tt.mode, tt.anchor, tt.start, tt.end, now)
			if err != nil {
				t.Fatalf("ResolveRange failed: %v", err)
			}
			if !r.Start.Equal(tt.wantStart) || !r.End.Equal(tt.wantEnd) {
				t.Errorf("Range = [%v, %v), want [%v, %v)", r.Start, r.End, tt.wantStart, tt.wantEnd)
			}
			if r.Days() != tt.wantDays {
				t.Errorf("Days() = %d, want %d", r.Days(), tt.wantDays)
			}
		})
	}
}

func TestResolveRangeErrors(t *testing.T) {
	now := utc(2024, 5, 15, 10, 0)

	tests := []struct {
		name                     string
		mode, anchor, start, end string
	}{
		{"unknown mode", "year", "", "", ""},
		{"bad anchor", "day", "15/05/2024", "", ""},
		{"custom missing end", "custom", "", "2024-05-01", ""},
		{"custom reversed", "custom", "", "2024-05-03", "2024-05-01"},
		{"custom too long", "custom", "", "2024-01-01", "2024-12-31"},
		{"custom bad date", "custom", "", "2024-02-30", "2024-03-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveRange(tt.mode, tt.anchor, tt.start, tt.end, now)
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("Expected ErrInvalidRange, got %v", err)
			}
		})
	}
}

func TestClip(t *testing.T) {
	s := storage.Session{StartTs: 100, EndTs: 200, App: "Editor"}

	if seg, ok := Clip(s, 150, 300); !ok || seg.StartTs != 150 || seg.EndTs != 200 {
		t.Errorf("Clip start = %+v, %v", seg, ok)
	}
	if seg, ok := Clip(s, 0, 120); !ok || seg.StartTs != 100 || seg.EndTs != 120 {
		t.Errorf("Clip end = %+v, %v", seg, ok)
	}
	if _, ok := Clip(s, 200, 300); ok {
		t.Error("Expected touching range to clip to nothing")
	}
}

func TestOverview(t *testing.T) {
	day := utc(2024, 5, 15, 0, 0).Unix()
	at := func(hour, minute int) int64 { return day + int64(hour*3600+minute*60) }

	segments := []Segment{
		{App: "Editor", Title: "doc", Source: "x11", StartTs: at(9, 30), EndTs: at(10, 30)},
		{App: "Editor", Title: "doc2", Source: "x11+passive", StartTs: at(11, 0), EndTs: at(11, 10)},
		{App: storage.InactiveApp, Source: storage.SourceIdle, StartTs: at(12, 0), EndTs: at(12, 5)},
		{App: storage.SleepApp, Source: storage.SourceSleep, StartTs: at(13, 0), EndTs: at(14, 0)},
		{App: storage.UnattributedApp, Source: "x11", StartTs: at(15, 0), EndTs: at(15, 1)},
	}

	s := Overview(segments, day, day+86400, time.UTC, map[string]string{"Editor": "Work"}, GroupByApp)

	checks := []struct {
		name      string
		got, want int64
	}{
		{"total", s.TotalSeconds, 8160},
		{"active", s.ActiveSeconds, 4260},
		{"effective", s.EffectiveSeconds, 3660},
		{"passive", s.PassiveSeconds, 600},
		{"afk", s.AFKSeconds, 300},
		{"sleep", s.SleepSeconds, 3600},
		{"unattributed", s.UnattributedSeconds, 60},
		{"hour 9", s.ByHourSeconds[9], 1800},
		{"hour 10", s.ByHourSeconds[10], 1800},
		{"hour 13", s.ByHourSeconds[13], 3600},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}

	if s.DistinctApps != 3 || s.DistinctCategories != 3 {
		t.Errorf("Expected 3 apps and 3 categories, got %d and %d", s.DistinctApps, s.DistinctCategories)
	}
	if len(s.TopItems) != 3 || s.TopItems[0].Key != "Editor" || s.TopItems[0].Seconds != 4200 {
		t.Fatalf("Unexpected top items: %+v", s.TopItems)
	}
	if s.TopItems[0].Percentage != 51.5 {
		t.Errorf("Expected 51.5%%, got %v", s.TopItems[0].Percentage)
	}
	if s.TotalHuman != "2h 16m" {
		t.Errorf("Expected total 2h 16m, got %q", s.TotalHuman)
	}

	byCategory := map[string]int64{}
	for _, item := range s.ByCategory {
		byCategory[item.Key] = item.Seconds
	}
	if byCategory["Work"] != 4200 || byCategory[CategoryInactive] != 300 || byCategory[CategorySleep] != 3600 {
		t.Errorf("Unexpected categories: %+v", s.ByCategory)
	}

	grouped := Overview(segments, day, day+86400, time.UTC, map[string]string{"Editor": "Work"}, GroupByCategory)
	if grouped.TopItems[0].Key != "Work" {
		t.Errorf("Expected category grouping, got %+v", grouped.TopItems)
	}
}

func TestOverviewSplitsAcrossMidnight(t *testing.T) {
	start := utc(2024, 5, 15, 23, 30).Unix()
	segments := []Segment{{App: "Editor", Source: "x11", StartTs: start, EndTs: start + 3600}}

	s := Overview(segments, start-3600, start+7200, time.UTC, nil, "")

	if len(s.ByDay) != 2 {
		t.Fatalf("Expected 2 days, got %+v", s.ByDay)
	}
	if s.ByDay[0].Date != "2024-05-15" || s.ByDay[0].Seconds != 1800 {
		t.Errorf("Unexpected first day: %+v", s.ByDay[0])
	}
	if s.ByDay[1].Date != "2024-05-16" || s.ByDay[1].Seconds != 1800 {
		t.Errorf("Unexpected second day: %+v", s.ByDay[1])
	}
	if s.ByHourSeconds[23] != 1800 || s.ByHourSeconds[0] != 1800 {
		t.Errorf("Unexpected hourly split: %v", s.ByHourSeconds)
	}
	if s.GroupBy != GroupByApp {
		t.Errorf("Expected default grouping by app, got %q", s.GroupBy)
	}
}

func TestCategoryFor(t *testing.T) {
	categories := map[string]string{"Browser": "Web"}

	tests := map[string]string{
		"Browser":               "Web",
		"Unknown App":           CategoryNone,
		"inactive":              CategoryInactive,
		"AFK":                   CategoryInactive,
		"Sleep":                 CategorySleep,
		storage.UnattributedApp: CategoryUnidentified,
	}
	for app, want := range tests {
		if got := CategoryFor(app, categories); got != want {
			t.Errorf("CategoryFor(%q) = %q, want %q", app, got, want)
		}
	}
}

func TestHumanDuration(t *testing.T) {
	tests := map[int64]string{
		-4:   "0s",
		0:    "0s",
		59:   "59s",
		61:   "1m 01s",
		3600: "1h 00m",
		3661: "1h 01m",
	}
	for seconds, want := range tests {
		if got := HumanDuration(seconds); got != want {
			t.Errorf("HumanDuration(%d) = %q, want %q", seconds, got, want)
		}
	}
}

func TestCollect(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ktrack.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := []storage.Session{
		{StartTs: 50, EndTs: 150, App: "Editor", Source: "x11"},
		{StartTs: 300, EndTs: 400, App: "Browser", Source: "x11"},
		{StartTs: 1000, EndTs: 1100, App: "Outside", Source: "x11"},
	}
	if _, err := store.Sessions().BulkInsert(ctx, sessions); err != nil {
		t.Fatalf("BulkInsert failed: %v", err)
	}

	filter := privacy.NewFilter(privacy.DefaultCacheSize, zerolog.Nop())
	current := &activity.OpenSegment{App: "Terminal", Title: "ssh", Source: "x11", StartTs: 450}

	segments, err := Collect(ctx, store.Sessions(), current, filter, 100, 600, 500)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("Expected 3 segments, got %+v", segments)
	}
	if segments[0].StartTs != 100 || segments[0].EndTs != 150 {
		t.Errorf("Expected first session clipped, got %+v", segments[0])
	}
	if last := segments[2]; last.App != "Terminal" || last.StartTs != 450 || last.EndTs != 500 {
		t.Errorf("Expected synthetic open segment, got %+v", last)
	}

	filter.Update([]storage.PrivacyRule{{ID: 1, Scope: storage.ScopeApp, MatchMode: storage.MatchExact, Pattern: "terminal", Enabled: true}})
	segments, err = Collect(ctx, store.Sessions(), current, filter, 100, 600, 500)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("Expected excluded open segment to be hidden, got %+v", segments)
	}

	segments, err = Collect(ctx, store.Sessions(), current, nil, 100, 600, 700)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("Expected open segment skipped when now is outside the range, got %+v", segments)
	}
}

func TestWriteCSV(t *testing.T) {
	segments := []Segment{
		{App: "Browser", Title: "Hello, world", Source: "x11", StartTs: 3600, EndTs: 3661},
		{App: "Editor", Title: "main.go", Source: "x11", StartTs: 0, EndTs: 30},
	}
	items := ExportItems(segments, time.UTC)
	if items[0].App != "Editor" {
		t.Fatalf("Expected items ordered by start, got %+v", items)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, items); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "start_iso,end_iso,duration_seconds,duration_human,app,title,source" {
		t.Errorf("Unexpected header %q", lines[0])
	}
	if lines[1] != "1970-01-01T00:00:00Z,1970-01-01T00:00:30Z,30,30s,Editor,main.go,x11" {
		t.Errorf("Unexpected row %q", lines[1])
	}
	if !strings.Contains(lines[2], `"Hello, world"`) {
		t.Errorf("Expected quoted title, got %q", lines[2])
	}
}

func TestNewExport(t *testing.T) {
	r, err := ResolveRange("week", "2024-05-15", "", "", utc(2024, 5, 15, 10, 0))
	if err != nil {
		t.Fatalf("ResolveRange failed: %v", err)
	}

	doc := NewExport(r, nil, utc(2024, 5, 15, 10, 0))
	if doc.RangeStart != "2024-05-13" || doc.RangeEnd != "2024-05-19" || doc.Count != 0 {
		t.Errorf("Unexpected export: %+v", doc)
	}
	if got := CSVFilename(r); got != "ktrack-week-2024-05-13.csv" {
		t.Errorf("Unexpected filename %q", got)
	}
}
