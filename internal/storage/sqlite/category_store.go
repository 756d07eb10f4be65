package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goodtune/ktrack/internal/storage"
)

type categoryStore struct {
	db *sql.DB
}

func (s *categoryStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT app, category FROM app_categories")
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	categories := make(map[string]string)
	for rows.Next() {
		var app, category string
		if err := rows.Scan(&app, &category); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories[app] = category
	}
	return categories, rows.Err()
}

func (s *categoryStore) Set(ctx context.Context, app, category string) error {
	app = strings.TrimSpace(app)
	if app == "" {
		return fmt.Errorf("category app label must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_categories (app, category) VALUES (?, ?)
		ON CONFLICT(app) DO UPDATE SET category = excluded.category
	`, app, strings.TrimSpace(category))
	if err != nil {
		return fmt.Errorf("set category: %w", err)
	}
	return nil
}

func (s *categoryStore) BulkSet(ctx context.Context, categories []storage.AppCategory) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk category set: %w", err)
	}

	saved := 0
	for _, c := range categories {
		app := strings.TrimSpace(c.App)
		if app == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_categories (app, category) VALUES (?, ?)
			ON CONFLICT(app) DO UPDATE SET category = excluded.category
		`, app, strings.TrimSpace(c.Category)); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("bulk set category: %w", err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk category set: %w", err)
	}
	return saved, nil
}

func (s *categoryStore) Delete(ctx context.Context, app string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM app_categories WHERE app = ?", strings.TrimSpace(app))
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *categoryStore) Clear(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM app_categories")
	if err != nil {
		return 0, fmt.Errorf("clear categories: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
