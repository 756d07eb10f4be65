// Package backup exports and restores the full tracking database as a
// single JSON document.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/report"
	"github.com/goodtune/ktrack/internal/storage"
)

// SchemaVersion is written to every exported document.
const SchemaVersion = 1

// Session is a session row in a backup document.
type Session struct {
	StartTs int64  `json:"start_ts"`
	EndTs   int64  `json:"end_ts"`
	App     string `json:"app"`
	Title   string `json:"title"`
	Source  string `json:"source"`
}

// Rule is a privacy rule in a backup document. Scope and mode are kept as
// plain strings so one bad rule does not reject the whole document.
type Rule struct {
	ID        int64  `json:"id,omitempty"`
	Scope     string `json:"scope"`
	MatchMode string `json:"match_mode"`
	Pattern   string `json:"pattern"`
	Enabled   *bool  `json:"enabled,omitempty"`
	UpdatedTs int64  `json:"updated_ts,omitempty"`
}

// Document is the backup file format.
type Document struct {
	SchemaVersion int                   `json:"schema_version"`
	ExportedAtTs  int64                 `json:"exported_at_ts"`
	Sessions      []Session             `json:"sessions"`
	Categories    []storage.AppCategory `json:"categories"`
	PrivacyRules  []Rule                `json:"privacy_rules"`
}

// Pauser runs fn with tracking paused.
type Pauser interface {
	WithPaused(ctx context.Context, fn func(ctx context.Context) error) error
}

// Result reports what a restore wrote.
type Result struct {
	Replace             bool `json:"replace"`
	InsertedSessions    int  `json:"inserted_sessions"`
	SavedCategories     int  `json:"saved_categories"`
	SavedPrivacyRules   int  `json:"saved_privacy_rules"`
	SkippedPrivacyRules int  `json:"skipped_privacy_rules"`
}

// Export reads every session, category and rule into a document.
func Export(ctx context.Context, store storage.Store, now time.Time) (*Document, error) {
	sessions, err := store.Sessions().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	categories, err := store.Categories().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read categories: %w", err)
	}

	rules, err := store.PrivacyRules().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read privacy rules: %w", err)
	}

	doc := &Document{
		SchemaVersion: SchemaVersion,
		ExportedAtTs:  now.Unix(),
		Sessions:      make([]Session, 0, len(sessions)),
		Categories:    make([]storage.AppCategory, 0, len(categories)),
		PrivacyRules:  make([]Rule, 0, len(rules)),
	}

	for _, s := range sessions {
		doc.Sessions = append(doc.Sessions, Session{
			StartTs: s.StartTs,
			EndTs:   s.EndTs,
			App:     s.App,
			Title:   s.Title,
			Source:  s.Source,
		})
	}

	for app, category := range categories {
		doc.Categories = append(doc.Categories, storage.AppCategory{App: app, Category: category})
	}
	sort.Slice(doc.Categories, func(i, j int) bool {
		return strings.ToLower(doc.Categories[i].App) < strings.ToLower(doc.Categories[j].App)
	})

	for _, r := range rules {
		enabled := r.Enabled
		doc.PrivacyRules = append(doc.PrivacyRules, Rule{
			ID:        r.ID,
			Scope:     string(r.Scope),
			MatchMode: string(r.MatchMode),
			Pattern:   r.Pattern,
			Enabled:   &enabled,
			UpdatedTs: r.UpdatedTs,
		})
	}

	return doc, nil
}

// Decode reads a backup document.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid backup document: %w", err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("unsupported backup schema version %d", doc.SchemaVersion)
	}
	return &doc, nil
}

// Restore writes a document back with tracking paused. With replace set,
// existing sessions, categories and rules are removed first. Sessions that
// fail validation are dropped; rules that fail validation are counted as
// skipped.
func Restore(ctx context.Context, pauser Pauser, store storage.Store, rules *privacy.Manager, doc *Document, replace bool) (*Result, error) {
	if pauser == nil {
		return nil, errors.New("restore requires a pauser")
	}
	if doc == nil {
		return nil, errors.New("restore requires a document")
	}

	result := &Result{Replace: replace}

	err := pauser.WithPaused(ctx, func(ctx context.Context) error {
		if replace {
			if _, err := store.Sessions().Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear sessions: %w", err)
			}
			if _, err := store.Categories().Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear categories: %w", err)
			}
			if _, err := rules.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear privacy rules: %w", err)
			}
		}

		sessions := make([]storage.Session, 0, len(doc.Sessions))
		for _, s := range doc.Sessions {
			sessions = append(sessions, storage.Session{
				StartTs: s.StartTs,
				EndTs:   s.EndTs,
				App:     s.App,
				Title:   s.Title,
				Source:  s.Source,
			})
		}
		inserted, err := store.Sessions().BulkInsert(ctx, storage.PrepareSessions(sessions, storage.SourceRestore))
		if err != nil {
			return fmt.Errorf("failed to insert sessions: %w", err)
		}
		result.InsertedSessions = inserted

		categories := make([]storage.AppCategory, 0, len(doc.Categories))
		for _, c := range doc.Categories {
			if strings.TrimSpace(c.App) == "" {
				continue
			}
			if strings.TrimSpace(c.Category) == "" {
				c.Category = report.CategoryNone
			}
			categories = append(categories, c)
		}
		saved, err := store.Categories().BulkSet(ctx, categories)
		if err != nil {
			return fmt.Errorf("failed to save categories: %w", err)
		}
		result.SavedCategories = saved

		for _, r := range doc.PrivacyRules {
			enabled := true
			if r.Enabled != nil {
				enabled = *r.Enabled
			}
			if _, err := rules.Create(ctx, r.Scope, r.MatchMode, r.Pattern, enabled); err != nil {
				if errors.Is(err, privacy.ErrInvalidRule) {
					result.SkippedPrivacyRules++
					continue
				}
				return fmt.Errorf("failed to save privacy rule: %w", err)
			}
			result.SavedPrivacyRules++
		}

		if _, err := rules.Refresh(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
