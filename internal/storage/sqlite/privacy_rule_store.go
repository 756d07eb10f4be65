package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/ktrack/internal/storage"
)

type privacyRuleStore struct {
	db *sql.DB
}

const ruleColumns = "id, scope, match_mode, pattern, enabled, updated_ts"

func (s *privacyRuleStore) List(ctx context.Context) ([]storage.PrivacyRule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+ruleColumns+" FROM privacy_rules ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list privacy rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []storage.PrivacyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (s *privacyRuleStore) Get(ctx context.Context, id int64) (*storage.PrivacyRule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM privacy_rules WHERE id = ?", id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rule, err
}

func (s *privacyRuleStore) Upsert(ctx context.Context, rule storage.PrivacyRule) (*storage.PrivacyRule, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO privacy_rules (scope, match_mode, pattern, enabled, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, match_mode, pattern) DO UPDATE SET
			enabled = excluded.enabled,
			updated_ts = excluded.updated_ts
		RETURNING `+ruleColumns,
		string(rule.Scope), string(rule.MatchMode), rule.Pattern, boolToInt(rule.Enabled), rule.UpdatedTs)
	saved, err := scanRule(row)
	if err != nil {
		return nil, fmt.Errorf("upsert privacy rule: %w", err)
	}
	return saved, nil
}

func (s *privacyRuleStore) SetEnabled(ctx context.Context, id int64, enabled bool, updatedTs int64) (*storage.PrivacyRule, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE privacy_rules SET enabled = ?, updated_ts = ?
		WHERE id = ?
		RETURNING `+ruleColumns,
		boolToInt(enabled), updatedTs, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update privacy rule: %w", err)
	}
	return rule, nil
}

func (s *privacyRuleStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM privacy_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete privacy rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *privacyRuleStore) Clear(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM privacy_rules")
	if err != nil {
		return 0, fmt.Errorf("clear privacy rules: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*storage.PrivacyRule, error) {
	var (
		rule    storage.PrivacyRule
		scope   string
		mode    string
		enabled int
	)
	if err := row.Scan(&rule.ID, &scope, &mode, &rule.Pattern, &enabled, &rule.UpdatedTs); err != nil {
		return nil, err
	}
	rule.Scope = storage.Scope(scope)
	rule.MatchMode = storage.MatchMode(mode)
	rule.Enabled = enabled != 0
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
