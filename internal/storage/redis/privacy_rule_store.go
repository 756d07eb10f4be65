package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/ktrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	upsertRule     = redis.NewScript(upsertRuleScript)
	setRuleEnabled = redis.NewScript(setRuleEnabledScript)
)

type privacyRuleStore struct {
	client *redis.Client
}

func (s *privacyRuleStore) List(ctx context.Context) ([]storage.PrivacyRule, error) {
	ids, err := s.client.ZRange(ctx, ruleIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list privacy rules: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, ruleKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load privacy rules: %w", err)
	}

	rules := make([]storage.PrivacyRule, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("load privacy rule: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		rule, err := parseRule(data)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

func (s *privacyRuleStore) Get(ctx context.Context, id int64) (*storage.PrivacyRule, error) {
	data, err := s.client.HGetAll(ctx, ruleKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get privacy rule: %w", err)
	}
	return parseRule(data)
}

func (s *privacyRuleStore) Upsert(ctx context.Context, rule storage.PrivacyRule) (*storage.PrivacyRule, error) {
	keys := []string{ruleSeqKey, ruleIndexKey, ruleIDsKey}
	args := []interface{}{
		ruleKeyPrefix,
		rule.Key(),
		string(rule.Scope),
		string(rule.MatchMode),
		rule.Pattern,
		formatBool(rule.Enabled),
		rule.UpdatedTs,
	}

	raw, err := upsertRule.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("upsert privacy rule: %w", err)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("upsert privacy rule: invalid id %q: %w", raw, err)
	}
	return s.Get(ctx, id)
}

func (s *privacyRuleStore) SetEnabled(ctx context.Context, id int64, enabled bool, updatedTs int64) (*storage.PrivacyRule, error) {
	found, err := setRuleEnabled.Run(ctx, s.client, []string{ruleKey(id)}, formatBool(enabled), updatedTs).Int()
	if err != nil {
		return nil, fmt.Errorf("update privacy rule: %w", err)
	}
	if found == 0 {
		return nil, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *privacyRuleStore) Delete(ctx context.Context, id int64) error {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ruleKey(id))
	pipe.HDel(ctx, ruleIndexKey, rule.Key())
	pipe.ZRem(ctx, ruleIDsKey, strconv.FormatInt(id, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete privacy rule: %w", err)
	}
	return nil
}

func (s *privacyRuleStore) Clear(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, ruleIDsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list privacy rules: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, ruleKeyPrefix+id)
	}
	pipe.Del(ctx, ruleIndexKey, ruleIDsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clear privacy rules: %w", err)
	}
	return len(ids), nil
}
