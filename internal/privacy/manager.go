package privacy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/ktrack/internal/storage"
	"github.com/rs/zerolog"
)

// Manager applies rule mutations to the store and keeps the filter in sync.
type Manager struct {
	store  storage.PrivacyRuleStore
	filter *Filter
	logger zerolog.Logger
	now    func() time.Time

	// mu orders each store mutation with the filter update that follows it
	mu sync.Mutex
}

// NewManager creates a rule manager.
func NewManager(store storage.PrivacyRuleStore, filter *Filter, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		filter: filter,
		logger: logger.With().Str("component", "privacy-rules").Logger(),
		now:    time.Now,
	}
}

// Filter returns the filter kept in sync by the manager.
func (m *Manager) Filter() *Filter {
	return m.filter
}

// Refresh reloads every stored rule into the filter.
func (m *Manager) Refresh(ctx context.Context) ([]storage.PrivacyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) ([]storage.PrivacyRule, error) {
	rules, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load privacy rules: %w", err)
	}
	m.filter.Update(rules)
	return rules, nil
}

// List returns all stored rules, enabled or not.
func (m *Manager) List(ctx context.Context) ([]storage.PrivacyRule, error) {
	return m.store.List(ctx)
}

// Create validates and upserts a rule.
func (m *Manager) Create(ctx context.Context, scope, mode, pattern string, enabled bool) (*storage.PrivacyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, err := Validate(scope, mode, pattern)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	rule.UpdatedTs = m.now().Unix()

	saved, err := m.store.Upsert(ctx, rule)
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Int64("rule_id", saved.ID).
		Str("scope", string(saved.Scope)).
		Str("match_mode", string(saved.MatchMode)).
		Bool("enabled", saved.Enabled).
		Msg("Privacy rule saved")

	if _, err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

// SetEnabled toggles a rule. Returns storage.ErrNotFound for an unknown ID.
func (m *Manager) SetEnabled(ctx context.Context, id int64, enabled bool) (*storage.PrivacyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, err := m.store.SetEnabled(ctx, id, enabled, m.now().Unix())
	if err != nil {
		return nil, err
	}
	if _, err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete removes a rule. Returns storage.ErrNotFound for an unknown ID.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	_, err := m.refreshLocked(ctx)
	return err
}

// Clear removes every rule.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := m.refreshLocked(ctx); err != nil {
		return n, err
	}
	return n, nil
}
