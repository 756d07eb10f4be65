package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/goodtune/ktrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

type categoryStore struct {
	client *redis.Client
}

func (s *categoryStore) List(ctx context.Context) (map[string]string, error) {
	categories, err := s.client.HGetAll(ctx, categoriesHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

func (s *categoryStore) Set(ctx context.Context, app, category string) error {
	app = strings.TrimSpace(app)
	if app == "" {
		return fmt.Errorf("category app label must not be empty")
	}
	if err := s.client.HSet(ctx, categoriesHashKey, app, strings.TrimSpace(category)).Err(); err != nil {
		return fmt.Errorf("set category: %w", err)
	}
	return nil
}

func (s *categoryStore) BulkSet(ctx context.Context, categories []storage.AppCategory) (int, error) {
	values := make([]interface{}, 0, 2*len(categories))
	saved := 0
	for _, c := range categories {
		app := strings.TrimSpace(c.App)
		if app == "" {
			continue
		}
		values = append(values, app, strings.TrimSpace(c.Category))
		saved++
	}
	if saved == 0 {
		return 0, nil
	}

	if err := s.client.HSet(ctx, categoriesHashKey, values...).Err(); err != nil {
		return 0, fmt.Errorf("bulk set categories: %w", err)
	}
	return saved, nil
}

func (s *categoryStore) Delete(ctx context.Context, app string) error {
	n, err := s.client.HDel(ctx, categoriesHashKey, strings.TrimSpace(app)).Result()
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *categoryStore) Clear(ctx context.Context) (int, error) {
	pipe := s.client.TxPipeline()
	count := pipe.HLen(ctx, categoriesHashKey)
	pipe.Del(ctx, categoriesHashKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clear categories: %w", err)
	}
	return int(count.Val()), nil
}

var _ storage.CategoryStore = (*categoryStore)(nil)
