package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/goodtune/ktrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

var insertSessions = redis.NewScript(insertSessionsScript)

type sessionStore struct {
	client *redis.Client
}

func (s *sessionStore) Insert(ctx context.Context, session storage.Session) (bool, error) {
	n, err := s.BulkInsert(ctx, []storage.Session{session})
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	return n == 1, nil
}

func (s *sessionStore) BulkInsert(ctx context.Context, sessions []storage.Session) (int, error) {
	rows := storage.PrepareSessions(sessions, "")
	keys := []string{sessionSeqKey, sessionsByStart, sessionsByEnd}

	inserted := 0
	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		args := make([]interface{}, 0, 1+5*(end-start))
		args = append(args, sessionKeyPrefix)
		for _, row := range rows[start:end] {
			args = append(args, row.StartTs, row.EndTs, row.App, row.Title, row.Source)
		}

		n, err := insertSessions.Run(ctx, s.client, keys, args...).Int()
		if err != nil {
			return inserted, fmt.Errorf("bulk insert sessions: %w", err)
		}
		inserted += n
	}

	return inserted, nil
}

func (s *sessionStore) Overlapping(ctx context.Context, rangeStart, rangeEnd int64) ([]storage.Session, error) {
	// Every candidate must end after rangeStart; the start bound is checked per row.
	ids, err := s.client.ZRangeByScore(ctx, sessionsByEnd, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(rangeStart, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query overlapping sessions: %w", err)
	}

	sessions, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	filtered := sessions[:0]
	for _, session := range sessions {
		if session.StartTs < rangeEnd {
			filtered = append(filtered, session)
		}
	}
	sortByStart(filtered)
	return filtered, nil
}

func (s *sessionStore) Recent(ctx context.Context, limit int) ([]storage.Session, error) {
	limit = storage.ClampRecentLimit(limit)

	ids, err := s.client.ZRevRange(ctx, sessionsByEnd, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}

	sessions, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].EndTs != sessions[j].EndTs {
			return sessions[i].EndTs > sessions[j].EndTs
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

func (s *sessionStore) All(ctx context.Context) ([]storage.Session, error) {
	ids, err := s.client.ZRange(ctx, sessionsByStart, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByStart(sessions)
	return sessions, nil
}

func (s *sessionStore) DeleteBefore(ctx context.Context, cutoff int64) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, sessionsByEnd, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query expired sessions: %w", err)
	}
	return s.remove(ctx, ids)
}

func (s *sessionStore) Clear(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, sessionsByStart, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	return s.remove(ctx, ids)
}

func (s *sessionStore) remove(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	pipe := s.client.TxPipeline()
	for i, id := range ids {
		pipe.Del(ctx, sessionKey(id))
		members[i] = id
	}
	pipe.ZRem(ctx, sessionsByStart, members...)
	pipe.ZRem(ctx, sessionsByEnd, members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return len(ids), nil
}

// load fetches session hashes in the order of ids, skipping dangling index entries.
func (s *sessionStore) load(ctx context.Context, ids []string) ([]storage.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sessions := make([]storage.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		session, err := parseSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

func sortByStart(sessions []storage.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartTs != sessions[j].StartTs {
			return sessions[i].StartTs < sessions[j].StartTs
		}
		return sessions[i].ID < sessions[j].ID
	})
}
