package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/storage"
)

// Group-by keys
const (
	GroupByApp      = "app"
	GroupByCategory = "category"
)

// Category labels for synthesized sessions.
const (
	CategoryInactive     = "Inactivity"
	CategorySleep        = "Sleep"
	CategoryUnidentified = "Unidentified"
	CategoryNone         = "Uncategorized"
)

// maxTopItems caps the grouped ranking.
const maxTopItems = 50

// Segment is a session clipped to a report range.
type Segment struct {
	App     string `json:"app"`
	Title   string `json:"title"`
	Source  string `json:"source"`
	StartTs int64  `json:"start_ts"`
	EndTs   int64  `json:"end_ts"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() int64 {
	if s.EndTs <= s.StartTs {
		return 0
	}
	return s.EndTs - s.StartTs
}

// Clip restricts a session to [rangeStart, rangeEnd). It returns false when
// nothing of the session is left.
func Clip(s storage.Session, rangeStart, rangeEnd int64) (Segment, bool) {
	start := max(s.StartTs, rangeStart)
	end := min(s.EndTs, rangeEnd)
	if end <= start {
		return Segment{}, false
	}
	return Segment{App: s.App, Title: s.Title, Source: s.Source, StartTs: start, EndTs: end}, true
}

// Collect returns the stored sessions overlapping the range, clipped, plus
// the open segment as a row ending at now when now lies inside the range and
// the segment is not hidden by a privacy rule.
func Collect(ctx context.Context, sessions storage.SessionStore, current *activity.OpenSegment, matcher privacy.Matcher, rangeStart, rangeEnd, now int64) ([]Segment, error) {
	rows, err := sessions.Overlapping(ctx, rangeStart, rangeEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	segments := make([]Segment, 0, len(rows)+1)
	for _, row := range rows {
		if seg, ok := Clip(row, rangeStart, rangeEnd); ok {
			segments = append(segments, seg)
		}
	}

	if current == nil || now < rangeStart || now >= rangeEnd {
		return segments, nil
	}
	if matcher != nil {
		if _, excluded := matcher.Match(ctx, current.App, current.Title); excluded {
			return segments, nil
		}
	}

	synthetic := storage.Session{
		StartTs: current.StartTs,
		EndTs:   now,
		App:     current.App,
		Title:   current.Title,
		Source:  current.Source,
	}
	if seg, ok := Clip(synthetic, rangeStart, rangeEnd); ok {
		segments = append(segments, seg)
	}
	return segments, nil
}

// IsAFK reports whether an app label means the user was away.
func IsAFK(app string) bool {
	switch strings.ToLower(strings.TrimSpace(app)) {
	case strings.ToLower(storage.InactiveApp), storage.SourceIdle, "afk":
		return true
	}
	return false
}

// IsSleep reports whether an app label marks a suspend gap.
func IsSleep(app string) bool {
	return strings.EqualFold(strings.TrimSpace(app), storage.SleepApp)
}

// IsUnattributed reports whether a segment carries no usable identity.
func IsUnattributed(app, title string) bool {
	return storage.NormalizeApp(app) == storage.UnattributedApp && strings.TrimSpace(title) == ""
}

// CategoryFor returns the category label for an app.
func CategoryFor(app string, categories map[string]string) string {
	app = strings.TrimSpace(app)
	switch {
	case IsAFK(app):
		return CategoryInactive
	case IsSleep(app):
		return CategorySleep
	case storage.NormalizeApp(app) == storage.UnattributedApp:
		return CategoryUnidentified
	}
	if category, ok := categories[app]; ok && category != "" {
		return category
	}
	return CategoryNone
}

// Item is one ranked entry.
type Item struct {
	Key        string  `json:"key"`
	Seconds    int64   `json:"seconds"`
	Human      string  `json:"human"`
	Percentage float64 `json:"percentage"`
}

// DayTotal is the time recorded on one calendar day.
type DayTotal struct {
	Date    string `json:"date"`
	Seconds int64  `json:"seconds"`
	Human   string `json:"human"`
}

// Summary is the aggregated view of a range.
type Summary struct {
	RangeStartTs        int64      `json:"range_start_ts"`
	RangeEndTs          int64      `json:"range_end_ts"`
	GroupBy             string     `json:"group_by"`
	TotalSeconds        int64      `json:"total_seconds"`
	TotalHuman          string     `json:"total_human"`
	ActiveSeconds       int64      `json:"active_seconds"`
	ActiveHuman         string     `json:"active_human"`
	EffectiveSeconds    int64      `json:"effective_seconds"`
	EffectiveHuman      string     `json:"effective_human"`
	PassiveSeconds      int64      `json:"passive_seconds"`
	PassiveHuman        string     `json:"passive_human"`
	AFKSeconds          int64      `json:"afk_seconds"`
	AFKHuman            string     `json:"afk_human"`
	SleepSeconds        int64      `json:"sleep_seconds"`
	SleepHuman          string     `json:"sleep_human"`
	UnattributedSeconds int64      `json:"unattributed_seconds"`
	UnattributedHuman   string     `json:"unattributed_human"`
	DistinctApps        int        `json:"distinct_apps"`
	DistinctCategories  int        `json:"distinct_categories"`
	TopItems            []Item     `json:"top_items"`
	ByApp               []Item     `json:"by_app"`
	ByCategory          []Item     `json:"by_category"`
	ByHourSeconds       [24]int64  `json:"by_hour_seconds"`
	ByDay               []DayTotal `json:"by_day"`
}

// Overview aggregates segments. Hour and day buckets are computed in loc.
func Overview(segments []Segment, rangeStart, rangeEnd int64, loc *time.Location, categories map[string]string, groupBy string) *Summary {
	if loc == nil {
		loc = time.Local
	}
	if groupBy != GroupByCategory {
		groupBy = GroupByApp
	}

	byApp := make(map[string]int64)
	byCategory := make(map[string]int64)
	byGroup := make(map[string]int64)
	byDay := make(map[string]int64)

	s := &Summary{
		RangeStartTs: rangeStart,
		RangeEndTs:   rangeEnd,
		GroupBy:      groupBy,
	}

	for _, seg := range segments {
		duration := seg.Duration()
		if duration == 0 {
			continue
		}
		s.TotalSeconds += duration

		app := strings.TrimSpace(seg.App)
		switch {
		case IsAFK(app):
			s.AFKSeconds += duration
		case IsSleep(app):
			s.SleepSeconds += duration
		default:
			s.ActiveSeconds += duration
			if strings.HasSuffix(seg.Source, storage.PassiveSuffix) {
				s.PassiveSeconds += duration
			} else {
				s.EffectiveSeconds += duration
			}
		}

		if IsUnattributed(app, seg.Title) {
			s.UnattributedSeconds += duration
		} else {
			category := CategoryFor(app, categories)
			byApp[app] += duration
			byCategory[category] += duration
			if groupBy == GroupByCategory {
				byGroup[category] += duration
			} else {
				byGroup[app] += duration
			}
		}

		splitByHour(seg, loc, func(hour int, day string, seconds int64) {
			s.ByHourSeconds[hour] += seconds
			byDay[day] += seconds
		})
	}

	s.TotalHuman = HumanDuration(s.TotalSeconds)
	s.ActiveHuman = HumanDuration(s.ActiveSeconds)
	s.EffectiveHuman = HumanDuration(s.EffectiveSeconds)
	s.PassiveHuman = HumanDuration(s.PassiveSeconds)
	s.AFKHuman = HumanDuration(s.AFKSeconds)
	s.SleepHuman = HumanDuration(s.SleepSeconds)
	s.UnattributedHuman = HumanDuration(s.UnattributedSeconds)

	s.DistinctApps = len(byApp)
	s.DistinctCategories = len(byCategory)
	s.ByApp = ranked(byApp, s.TotalSeconds)
	s.ByCategory = ranked(byCategory, s.TotalSeconds)
	s.TopItems = ranked(byGroup, s.TotalSeconds)
	if len(s.TopItems) > maxTopItems {
		s.TopItems = s.TopItems[:maxTopItems]
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	s.ByDay = make([]DayTotal, 0, len(days))
	for _, day := range days {
		s.ByDay = append(s.ByDay, DayTotal{Date: day, Seconds: byDay[day], Human: HumanDuration(byDay[day])})
	}

	return s
}

// splitByHour walks a segment in chunks that never cross an hour or a
// local midnight.
func splitByHour(seg Segment, loc *time.Location, fn func(hour int, day string, seconds int64)) {
	cur := time.Unix(seg.StartTs, 0).In(loc)
	end := time.Unix(seg.EndTs, 0).In(loc)

	for cur.Before(end) {
		nextHour := time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour(), 0, 0, 0, loc).Add(time.Hour)
		nextDay := time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, loc)

		chunkEnd := end
		if nextHour.Before(chunkEnd) {
			chunkEnd = nextHour
		}
		if nextDay.Before(chunkEnd) {
			chunkEnd = nextDay
		}
		if !chunkEnd.After(cur) {
			// Guards against clocks that repeat an hour.
			chunkEnd = cur.Add(time.Second)
		}

		fn(cur.Hour(), cur.Format(dateLayout), int64(chunkEnd.Sub(cur)/time.Second))
		cur = chunkEnd
	}
}

func ranked(values map[string]int64, total int64) []Item {
	items := make([]Item, 0, len(values))
	for key, seconds := range values {
		pct := 0.0
		if total > 0 {
			pct = math.Round(float64(seconds)/float64(total)*1000) / 10
		}
		items = append(items, Item{Key: key, Seconds: seconds, Human: HumanDuration(seconds), Percentage: pct})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Seconds != items[j].Seconds {
			return items[i].Seconds > items[j].Seconds
		}
		return items[i].Key < items[j].Key
	})
	return items
}

// HumanDuration formats seconds as "1h 05m", "3m 07s" or "12s".
func HumanDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %02ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
