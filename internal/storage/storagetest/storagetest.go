// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/ktrack/internal/storage"
)

// Factory opens a fresh, empty store for one test.
type Factory func(t *testing.T) storage.Store

// Run executes the full conformance suite against the backend.
func Run(t *testing.T, open Factory) {
	t.Run("InsertDropsNonPositiveDuration", func(t *testing.T) { testInsertDropsNonPositive(t, open(t)) })
	t.Run("InsertNormalizesApp", func(t *testing.T) { testInsertNormalizesApp(t, open(t)) })
	t.Run("BulkInsertCountsInserted", func(t *testing.T) { testBulkInsert(t, open(t)) })
	t.Run("Overlapping", func(t *testing.T) { testOverlapping(t, open(t)) })
	t.Run("RecentOrderAndLimit", func(t *testing.T) { testRecent(t, open(t)) })
	t.Run("DeleteBeforeAndClear", func(t *testing.T) { testDeleteBeforeAndClear(t, open(t)) })
	t.Run("PrivacyRuleUpsert", func(t *testing.T) { testRuleUpsert(t, open(t)) })
	t.Run("PrivacyRuleEnableDelete", func(t *testing.T) { testRuleEnableDelete(t, open(t)) })
	t.Run("Categories", func(t *testing.T) { testCategories(t, open(t)) })
}

func testInsertDropsNonPositive(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	for _, s := range []storage.Session{
		{StartTs: 100, EndTs: 100, App: "Editor"},
		{StartTs: 100, EndTs: 90, App: "Editor"},
	} {
		inserted, err := sessions.Insert(ctx, s)
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if inserted {
			t.Errorf("Expected session %d..%d to be dropped", s.StartTs, s.EndTs)
		}
	}

	all, err := sessions.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected no stored sessions, got %d", len(all))
	}
}

func testInsertNormalizesApp(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	for i, app := range []string{"", "  ", "UNKNOWN", "unknown"} {
		start := int64(1000 + i*10)
		if _, err := sessions.Insert(ctx, storage.Session{StartTs: start, EndTs: start + 5, App: app, Source: "x11"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	all, err := sessions.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Expected 4 sessions, got %d", len(all))
	}
	for _, s := range all {
		if s.App != storage.UnattributedApp {
			t.Errorf("Expected app %q, got %q", storage.UnattributedApp, s.App)
		}
	}
}

func testBulkInsert(t *testing.T, store storage.Store) {
	ctx := context.Background()

	n, err := store.Sessions().BulkInsert(ctx, []storage.Session{
		{StartTs: 10, EndTs: 20, App: "Editor", Title: "a", Source: "restore"},
		{StartTs: 20, EndTs: 20, App: "Editor", Title: "b", Source: "restore"},
		{StartTs: 30, EndTs: 25, App: "Editor", Title: "c", Source: "restore"},
		{StartTs: 40, EndTs: 50, App: "", Title: "d", Source: "restore"},
	})
	if err != nil {
		t.Fatalf("BulkInsert failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 inserted rows, got %d", n)
	}

	all, err := store.Sessions().All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(all))
	}
	if all[1].App != storage.UnattributedApp {
		t.Errorf("Expected bulk insert to normalize app, got %q", all[1].App)
	}

	n, err = store.Sessions().BulkInsert(ctx, nil)
	if err != nil || n != 0 {
		t.Errorf("Expected empty bulk insert to be a no-op, got %d, %v", n, err)
	}
}

func testOverlapping(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	rows := []storage.Session{
		{StartTs: 300, EndTs: 400, App: "C"},
		{StartTs: 0, EndTs: 100, App: "A"},
		{StartTs: 50, EndTs: 250, App: "B"},
		{StartTs: 500, EndTs: 600, App: "D"},
	}
	for _, s := range rows {
		if _, err := sessions.Insert(ctx, s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := sessions.Overlapping(ctx, 100, 500)
	if err != nil {
		t.Fatalf("Overlapping failed: %v", err)
	}

	// A ends exactly at the range start and D starts exactly at the range end.
	want := []string{"B", "C"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d sessions, got %d: %+v", len(want), len(got), got)
	}
	for i, app := range want {
		if got[i].App != app {
			t.Errorf("Position %d: expected %s, got %s", i, app, got[i].App)
		}
	}
}

func testRecent(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	for i := int64(0); i < 5; i++ {
		if _, err := sessions.Insert(ctx, storage.Session{StartTs: i * 10, EndTs: i*10 + 5, App: "App"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := sessions.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(got))
	}
	if got[0].EndTs != 45 || got[2].EndTs != 25 {
		t.Errorf("Expected newest first, got %+v", got)
	}

	got, err = sessions.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected limit to clamp to 1, got %d", len(got))
	}
}

func testDeleteBeforeAndClear(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	for _, s := range []storage.Session{
		{StartTs: 0, EndTs: 10, App: "Old"},
		{StartTs: 10, EndTs: 100, App: "Spanning"},
		{StartTs: 200, EndTs: 300, App: "New"},
	} {
		if _, err := sessions.Insert(ctx, s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	deleted, err := sessions.DeleteBefore(ctx, 50)
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted session, got %d", deleted)
	}

	cleared, err := sessions.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 2 {
		t.Errorf("Expected 2 cleared sessions, got %d", cleared)
	}

	all, err := sessions.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected empty store, got %d rows", len(all))
	}
}

func testRuleUpsert(t *testing.T, store storage.Store) {
	ctx := context.Background()
	rules := store.PrivacyRules()

	first, err := rules.Upsert(ctx, storage.PrivacyRule{
		Scope: storage.ScopeTitle, MatchMode: storage.MatchContains, Pattern: "bank", Enabled: true, UpdatedTs: 1,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("Expected rule ID to be assigned")
	}

	second, err := rules.Upsert(ctx, storage.PrivacyRule{
		Scope: storage.ScopeTitle, MatchMode: storage.MatchContains, Pattern: "bank", Enabled: false, UpdatedTs: 2,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected conflicting upsert to reuse ID %d, got %d", first.ID, second.ID)
	}
	if second.Enabled || second.UpdatedTs != 2 {
		t.Errorf("Expected conflicting upsert to update enabled/updated_ts, got %+v", second)
	}

	if _, err := rules.Upsert(ctx, storage.PrivacyRule{
		Scope: storage.ScopeApp, MatchMode: storage.MatchExact, Pattern: "keepassxc", Enabled: true, UpdatedTs: 3,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	list, err := rules.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].Pattern != "keepassxc" {
		t.Errorf("Expected rules ordered by ID, got %+v", list)
	}
}

func testRuleEnableDelete(t *testing.T, store storage.Store) {
	ctx := context.Background()
	rules := store.PrivacyRules()

	rule, err := rules.Upsert(ctx, storage.PrivacyRule{
		Scope: storage.ScopeApp, MatchMode: storage.MatchRegex, Pattern: "^signal", Enabled: true, UpdatedTs: 1,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	updated, err := rules.SetEnabled(ctx, rule.ID, false, 5)
	if err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if updated.Enabled || updated.UpdatedTs != 5 || updated.Pattern != "^signal" {
		t.Errorf("Unexpected rule after SetEnabled: %+v", updated)
	}

	if _, err := rules.SetEnabled(ctx, rule.ID+100, true, 6); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing rule, got %v", err)
	}

	got, err := rules.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Scope != storage.ScopeApp || got.MatchMode != storage.MatchRegex {
		t.Errorf("Unexpected rule from Get: %+v", got)
	}

	if err := rules.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := rules.Delete(ctx, rule.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := rules.Get(ctx, rule.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func testCategories(t *testing.T, store storage.Store) {
	ctx := context.Background()
	categories := store.Categories()

	if err := categories.Set(ctx, "firefox", "Browsing"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	saved, err := categories.BulkSet(ctx, []storage.AppCategory{
		{App: "code", Category: "Development"},
		{App: "  ", Category: "Ignored"},
		{App: "firefox", Category: "Research"},
	})
	if err != nil {
		t.Fatalf("BulkSet failed: %v", err)
	}
	if saved != 2 {
		t.Errorf("Expected 2 saved categories, got %d", saved)
	}

	list, err := categories.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if list["firefox"] != "Research" || list["code"] != "Development" || len(list) != 2 {
		t.Errorf("Unexpected categories: %v", list)
	}

	if err := categories.Delete(ctx, "code"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := categories.Delete(ctx, "code"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	cleared, err := categories.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 1 {
		t.Errorf("Expected 1 cleared category, got %d", cleared)
	}
}
