package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// MaxRecentLimit caps the number of rows returned by SessionStore.Recent.
const MaxRecentLimit = 1000

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	PrivacyRules() PrivacyRuleStore
	Categories() CategoryStore
}

// SessionWriter is the write side used by the segmentation engine.
type SessionWriter interface {
	Insert(ctx context.Context, session Session) (bool, error)
}

// SessionStore manages closed activity sessions.
//
// Rows with EndTs <= StartTs are silently dropped on every insert path and
// app labels are normalized with NormalizeApp before they are written.
type SessionStore interface {
	SessionWriter
	BulkInsert(ctx context.Context, sessions []Session) (int, error)
	Overlapping(ctx context.Context, rangeStart, rangeEnd int64) ([]Session, error)
	Recent(ctx context.Context, limit int) ([]Session, error)
	All(ctx context.Context) ([]Session, error)
	DeleteBefore(ctx context.Context, cutoff int64) (int, error)
	Clear(ctx context.Context) (int, error)
}

// PrivacyRuleStore manages privacy rules. List returns rules ordered by ID.
type PrivacyRuleStore interface {
	List(ctx context.Context) ([]PrivacyRule, error)
	Get(ctx context.Context, id int64) (*PrivacyRule, error)
	Upsert(ctx context.Context, rule PrivacyRule) (*PrivacyRule, error)
	SetEnabled(ctx context.Context, id int64, enabled bool, updatedTs int64) (*PrivacyRule, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) (int, error)
}

// CategoryStore manages app to category assignments.
type CategoryStore interface {
	List(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, app, category string) error
	BulkSet(ctx context.Context, categories []AppCategory) (int, error)
	Delete(ctx context.Context, app string) error
	Clear(ctx context.Context) (int, error)
}

// ClampRecentLimit bounds a recent-sessions limit to 1..MaxRecentLimit.
func ClampRecentLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
