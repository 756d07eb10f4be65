package redis

import (
	"fmt"
	"strconv"

	"github.com/goodtune/ktrack/internal/storage"
)

// parseSession converts a Redis hash to a Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	startTs, err := strconv.ParseInt(data["start_ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_ts: %w", err)
	}

	endTs, err := strconv.ParseInt(data["end_ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse end_ts: %w", err)
	}

	return &storage.Session{
		ID:      id,
		StartTs: startTs,
		EndTs:   endTs,
		App:     storage.NormalizeApp(data["app"]),
		Title:   data["title"],
		Source:  data["source"],
	}, nil
}

// parseRule converts a Redis hash to a PrivacyRule
func parseRule(data map[string]string) (*storage.PrivacyRule, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	updatedTs, err := strconv.ParseInt(data["updated_ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_ts: %w", err)
	}

	return &storage.PrivacyRule{
		ID:        id,
		Scope:     storage.Scope(data["scope"]),
		MatchMode: storage.MatchMode(data["match_mode"]),
		Pattern:   data["pattern"],
		Enabled:   data["enabled"] == "1",
		UpdatedTs: updatedTs,
	}, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func ruleKey(id int64) string {
	return ruleKeyPrefix + strconv.FormatInt(id, 10)
}
