package privacy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goodtune/ktrack/internal/storage"
	"github.com/rs/zerolog"
)

func rule(id int64, scope storage.Scope, mode storage.MatchMode, pattern string, enabled bool) storage.PrivacyRule {
	return storage.PrivacyRule{ID: id, Scope: scope, MatchMode: mode, Pattern: pattern, Enabled: enabled}
}

func TestFilterMatch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		rules    []storage.PrivacyRule
		app      string
		title    string
		excluded bool
		ruleID   int64
	}{
		{
			name:     "contains on title is case-insensitive",
			rules:    []storage.PrivacyRule{rule(1, storage.ScopeTitle, storage.MatchContains, "  Bank ", true)},
			app:      "firefox",
			title:    "My BANK account",
			excluded: true,
			ruleID:   1,
		},
		{
			name:     "exact on app requires full match",
			rules:    []storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchExact, "KeePassXC", true)},
			app:      "keepassxc-browser",
			title:    "vault",
			excluded: false,
		},
		{
			name:     "exact on app folds case",
			rules:    []storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchExact, "KeePassXC", true)},
			app:      "keepassxc",
			excluded: true,
			ruleID:   1,
		},
		{
			name:     "regex is unanchored and case-insensitive",
			rules:    []storage.PrivacyRule{rule(3, storage.ScopeTitle, storage.MatchRegex, `inbox \(\d+\)`, true)},
			title:    "Mail - INBOX (12) - Thunderbird",
			excluded: true,
			ruleID:   3,
		},
		{
			name:     "disabled rules are ignored",
			rules:    []storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchContains, "signal", false)},
			app:      "Signal",
			excluded: false,
		},
		{
			name:     "empty field never matches",
			rules:    []storage.PrivacyRule{rule(1, storage.ScopeTitle, storage.MatchRegex, ".*", true)},
			app:      "terminal",
			title:    "   ",
			excluded: false,
		},
		{
			name:     "scope selects the field",
			rules:    []storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchContains, "bank", true)},
			app:      "firefox",
			title:    "bank",
			excluded: false,
		},
		{
			name: "first match wins",
			rules: []storage.PrivacyRule{
				rule(7, storage.ScopeTitle, storage.MatchContains, "secret", true),
				rule(2, storage.ScopeApp, storage.MatchExact, "editor", true),
			},
			app:      "Editor",
			title:    "secret plans",
			excluded: true,
			ruleID:   7,
		},
		{
			name: "invalid regex is dropped without affecting others",
			rules: []storage.PrivacyRule{
				rule(1, storage.ScopeTitle, storage.MatchRegex, "([unclosed", true),
				rule(2, storage.ScopeTitle, storage.MatchContains, "unclosed", true),
			},
			title:    "([unclosed",
			excluded: true,
			ruleID:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(DefaultCacheSize, zerolog.Nop())
			f.Update(tt.rules)

			match, excluded := f.Match(ctx, tt.app, tt.title)
			if excluded != tt.excluded {
				t.Fatalf("Expected excluded=%v, got %v", tt.excluded, excluded)
			}
			if !tt.excluded {
				return
			}
			if match.Rule == nil {
				t.Fatal("Expected matching rule to be reported")
			}
			if match.Rule.ID != tt.ruleID {
				t.Errorf("Expected rule %d, got %d", tt.ruleID, match.Rule.ID)
			}
			if match.Reason == "" {
				t.Error("Expected a non-empty reason")
			}
		})
	}
}

func TestFilterUpdateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := NewFilter(8, zerolog.Nop())

	if f.Excluded(ctx, "Signal", "chat") {
		t.Fatal("Expected no exclusion without rules")
	}

	f.Update([]storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchExact, "signal", true)})
	if !f.Excluded(ctx, "Signal", "chat") {
		t.Fatal("Expected exclusion after update")
	}

	f.Update([]storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchExact, "signal", false)})
	if f.Excluded(ctx, "Signal", "chat") {
		t.Fatal("Expected no exclusion after the rule was disabled")
	}
}

func TestFilterStats(t *testing.T) {
	f := NewFilter(0, zerolog.Nop())
	f.Update([]storage.PrivacyRule{
		rule(1, storage.ScopeApp, storage.MatchExact, "a", true),
		rule(2, storage.ScopeTitle, storage.MatchContains, "b", true),
		rule(3, storage.ScopeTitle, storage.MatchRegex, "c+", true),
		rule(4, storage.ScopeTitle, storage.MatchRegex, "(", true),
		rule(5, storage.ScopeApp, storage.MatchExact, "d", false),
	})

	stats := f.Stats()
	if stats.EnabledRules != 3 || stats.AppRules != 1 || stats.TitleRules != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.PolicyLoaded {
		t.Error("Expected no policy")
	}
}

type stubPolicy struct {
	mu       sync.Mutex
	calls    int
	excluded bool
	reason   string
	err      error
}

func (p *stubPolicy) Evaluate(_ context.Context, _, _ string) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.excluded, p.reason, p.err
}

func TestFilterPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("policy exclusion after rules", func(t *testing.T) {
		f := NewFilter(8, zerolog.Nop())
		policy := &stubPolicy{excluded: true, reason: "work hours"}
		f.SetPolicy(policy)

		match, excluded := f.Match(ctx, "Slack", "general")
		if !excluded || match.Reason != "work hours" || match.Rule != nil {
			t.Fatalf("Unexpected policy match: %+v, %v", match, excluded)
		}

		f.Match(ctx, "Slack", "general")
		if policy.calls != 1 {
			t.Errorf("Expected cached decision, policy called %d times", policy.calls)
		}
	})

	t.Run("rules short-circuit the policy", func(t *testing.T) {
		f := NewFilter(8, zerolog.Nop())
		policy := &stubPolicy{excluded: true}
		f.SetPolicy(policy)
		f.Update([]storage.PrivacyRule{rule(1, storage.ScopeApp, storage.MatchExact, "slack", true)})

		match, excluded := f.Match(ctx, "Slack", "general")
		if !excluded || match.Rule == nil {
			t.Fatalf("Expected rule match, got %+v", match)
		}
		if policy.calls != 0 {
			t.Errorf("Expected policy not to be consulted, got %d calls", policy.calls)
		}
	})

	t.Run("policy errors never exclude and are not cached", func(t *testing.T) {
		f := NewFilter(8, zerolog.Nop())
		policy := &stubPolicy{err: errors.New("boom")}
		f.SetPolicy(policy)

		if f.Excluded(ctx, "Slack", "general") {
			t.Fatal("Expected policy error to fail open")
		}
		f.Excluded(ctx, "Slack", "general")
		if policy.calls != 2 {
			t.Errorf("Expected errors not to be cached, got %d calls", policy.calls)
		}
	})
}

func TestFilterConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	f := NewFilter(16, zerolog.Nop())

	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					f.Match(ctx, fmt.Sprintf("app-%d", i), "title")
				}
			}
		}(i)
	}

	for i := 0; i < 50; i++ {
		f.Update([]storage.PrivacyRule{rule(int64(i), storage.ScopeApp, storage.MatchContains, "app", i%2 == 0)})
	}

	close(done)
	wg.Wait()
}
