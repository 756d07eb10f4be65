package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goodtune/ktrack/internal/storage"
)

type sessionStore struct {
	db *sql.DB
}

const sessionColumns = "id, start_ts, end_ts, app, title, source"

func (s *sessionStore) Insert(ctx context.Context, session storage.Session) (bool, error) {
	if !session.Valid() {
		return false, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (start_ts, end_ts, app, title, source)
		VALUES (?, ?, ?, ?, ?)
	`, session.StartTs, session.EndTs, storage.NormalizeApp(session.App), session.Title, session.Source)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	return true, nil
}

func (s *sessionStore) BulkInsert(ctx context.Context, sessions []storage.Session) (int, error) {
	rows := storage.PrepareSessions(sessions, "")
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk insert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (start_ts, end_ts, app, title, source)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.StartTs, row.EndTs, row.App, row.Title, row.Source); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("bulk insert session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk insert: %w", err)
	}
	return len(rows), nil
}

func (s *sessionStore) Overlapping(ctx context.Context, rangeStart, rangeEnd int64) ([]storage.Session, error) {
	return s.query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE end_ts > ? AND start_ts < ?
		ORDER BY start_ts ASC, id ASC
	`, rangeStart, rangeEnd)
}

func (s *sessionStore) Recent(ctx context.Context, limit int) ([]storage.Session, error) {
	return s.query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY end_ts DESC, id DESC
		LIMIT ?
	`, storage.ClampRecentLimit(limit))
}

func (s *sessionStore) All(ctx context.Context) ([]storage.Session, error) {
	return s.query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY start_ts ASC, id ASC
	`)
}

func (s *sessionStore) DeleteBefore(ctx context.Context, cutoff int64) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE end_ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *sessionStore) Clear(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	if err != nil {
		return 0, fmt.Errorf("clear sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *sessionStore) query(ctx context.Context, query string, args ...any) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []storage.Session
	for rows.Next() {
		var session storage.Session
		if err := rows.Scan(&session.ID, &session.StartTs, &session.EndTs, &session.App, &session.Title, &session.Source); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.App = storage.NormalizeApp(session.App)
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
