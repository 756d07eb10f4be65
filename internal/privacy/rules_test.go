package privacy

import (
	"errors"
	"strings"
	"testing"

	"github.com/goodtune/ktrack/internal/storage"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		mode    string
		pattern string
		wantErr bool
		want    storage.PrivacyRule
	}{
		{name: "normalizes input", scope: " Title ", mode: "CONTAINS", pattern: "  bank  ",
			want: storage.PrivacyRule{Scope: storage.ScopeTitle, MatchMode: storage.MatchContains, Pattern: "bank"}},
		{name: "valid regex", scope: "app", mode: "regex", pattern: `^signal(-desktop)?$`,
			want: storage.PrivacyRule{Scope: storage.ScopeApp, MatchMode: storage.MatchRegex, Pattern: `^signal(-desktop)?$`}},
		{name: "empty pattern", scope: "app", mode: "exact", pattern: "   ", wantErr: true},
		{name: "unknown scope", scope: "window", mode: "exact", pattern: "x", wantErr: true},
		{name: "unknown mode", scope: "app", mode: "glob", pattern: "x", wantErr: true},
		{name: "invalid regex", scope: "title", mode: "regex", pattern: "(", wantErr: true},
		{name: "pattern too long", scope: "title", mode: "contains", pattern: strings.Repeat("ñ", MaxPatternLength+1), wantErr: true},
		{name: "pattern at limit", scope: "title", mode: "contains", pattern: strings.Repeat("ñ", MaxPatternLength),
			want: storage.PrivacyRule{Scope: storage.ScopeTitle, MatchMode: storage.MatchContains, Pattern: strings.Repeat("ñ", MaxPatternLength)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.scope, tt.mode, tt.pattern)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRule) {
					t.Fatalf("Expected ErrInvalidRule, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
