package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// ExportItem is one segment in an export.
type ExportItem struct {
	StartTs         int64  `json:"start_ts"`
	EndTs           int64  `json:"end_ts"`
	StartISO        string `json:"start_iso"`
	EndISO          string `json:"end_iso"`
	DurationSeconds int64  `json:"duration_seconds"`
	DurationHuman   string `json:"duration_human"`
	App             string `json:"app"`
	Title           string `json:"title"`
	Source          string `json:"source"`
}

// Export is the JSON export document.
type Export struct {
	Mode         string       `json:"mode"`
	RangeStart   string       `json:"range_start_date"`
	RangeEnd     string       `json:"range_end_date_inclusive"`
	Count        int          `json:"count"`
	Items        []ExportItem `json:"items"`
	ExportedAtTs int64        `json:"exported_at_ts"`
}

var csvHeader = []string{"start_iso", "end_iso", "duration_seconds", "duration_human", "app", "title", "source"}

// ExportItems converts segments to export rows ordered by start time.
func ExportItems(segments []Segment, loc *time.Location) []ExportItem {
	if loc == nil {
		loc = time.Local
	}

	sorted := append([]Segment(nil), segments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTs < sorted[j].StartTs })

	items := make([]ExportItem, 0, len(sorted))
	for _, seg := range sorted {
		items = append(items, ExportItem{
			StartTs:         seg.StartTs,
			EndTs:           seg.EndTs,
			StartISO:        time.Unix(seg.StartTs, 0).In(loc).Format(time.RFC3339),
			EndISO:          time.Unix(seg.EndTs, 0).In(loc).Format(time.RFC3339),
			DurationSeconds: seg.Duration(),
			DurationHuman:   HumanDuration(seg.Duration()),
			App:             seg.App,
			Title:           seg.Title,
			Source:          seg.Source,
		})
	}
	return items
}

// NewExport builds the JSON export document for a range.
func NewExport(r Range, segments []Segment, now time.Time) Export {
	items := ExportItems(segments, r.Start.Location())
	return Export{
		Mode:         r.Mode,
		RangeStart:   r.Start.Format(dateLayout),
		RangeEnd:     r.LastDay().Format(dateLayout),
		Count:        len(items),
		Items:        items,
		ExportedAtTs: now.Unix(),
	}
}

// CSVFilename returns the download name for a CSV export of r.
func CSVFilename(r Range) string {
	return fmt.Sprintf("ktrack-%s-%s.csv", r.Mode, r.Start.Format(dateLayout))
}

// WriteCSV writes export rows with a header line.
func WriteCSV(w io.Writer, items []ExportItem) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, item := range items {
		record := []string{
			item.StartISO,
			item.EndISO,
			strconv.FormatInt(item.DurationSeconds, 10),
			item.DurationHuman,
			item.App,
			item.Title,
			item.Source,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
