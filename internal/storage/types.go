package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel app labels shared by every write and read path.
const (
	UnattributedApp = "Unattributed process"
	InactiveApp     = "Inactive"
	SleepApp        = "Sleep"
)

// Source tags written alongside sessions that the engine synthesizes.
const (
	SourceIdle    = "idle"
	SourceSleep   = "sleep"
	SourceRestore = "restore"

	// PassiveSuffix marks activity observed while the user was briefly idle.
	PassiveSuffix = "+passive"
)

// NormalizeApp canonicalizes missing or "unknown" app labels to UnattributedApp.
func NormalizeApp(app string) string {
	trimmed := strings.TrimSpace(app)
	if trimmed == "" || strings.EqualFold(trimmed, "unknown") || strings.EqualFold(trimmed, UnattributedApp) {
		return UnattributedApp
	}
	return trimmed
}

// Session is a closed, persisted activity interval.
type Session struct {
	ID      int64  `json:"id"`
	StartTs int64  `json:"start_ts"`
	EndTs   int64  `json:"end_ts"`
	App     string `json:"app"`
	Title   string `json:"title"`
	Source  string `json:"source"`
}

// Duration returns the session length in seconds.
func (s Session) Duration() int64 {
	if s.EndTs <= s.StartTs {
		return 0
	}
	return s.EndTs - s.StartTs
}

// Valid reports whether the session may be persisted.
func (s Session) Valid() bool {
	return s.EndTs > s.StartTs
}

// Scope selects which observation field a privacy rule inspects.
type Scope string

const (
	ScopeApp   Scope = "app"
	ScopeTitle Scope = "title"
)

// ParseScope normalizes and validates a scope string.
func ParseScope(s string) (Scope, error) {
	scope := Scope(strings.ToLower(strings.TrimSpace(s)))
	switch scope {
	case ScopeApp, ScopeTitle:
		return scope, nil
	default:
		return "", fmt.Errorf("invalid scope: %s (must be app or title)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the scope to lowercase.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseScope(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MatchMode selects how a privacy rule pattern is compared.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchExact    MatchMode = "exact"
	MatchRegex    MatchMode = "regex"
)

// ParseMatchMode normalizes and validates a match mode string.
func ParseMatchMode(s string) (MatchMode, error) {
	mode := MatchMode(strings.ToLower(strings.TrimSpace(s)))
	switch mode {
	case MatchContains, MatchExact, MatchRegex:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid match mode: %s (must be contains, exact, or regex)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the mode to lowercase.
func (m *MatchMode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMatchMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PrivacyRule hides matching apps or titles from tracking and reporting.
type PrivacyRule struct {
	ID        int64     `json:"id"`
	Scope     Scope     `json:"scope"`
	MatchMode MatchMode `json:"match_mode"`
	Pattern   string    `json:"pattern"`
	Enabled   bool      `json:"enabled"`
	UpdatedTs int64     `json:"updated_ts"`
}

// Key returns the uniqueness key of the rule.
func (r PrivacyRule) Key() string {
	return string(r.Scope) + "|" + string(r.MatchMode) + "|" + r.Pattern
}

// AppCategory assigns a reporting category to an app label.
type AppCategory struct {
	App      string `json:"app"`
	Category string `json:"category"`
}
