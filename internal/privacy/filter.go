package privacy

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goodtune/ktrack/internal/metrics"
	"github.com/goodtune/ktrack/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the number of (app, title) decisions memoized per rule set.
const DefaultCacheSize = 512

// Match describes why an observation was excluded.
type Match struct {
	// Rule is the first matching rule, nil when the decision came from a policy.
	Rule   *storage.PrivacyRule `json:"rule,omitempty"`
	Reason string               `json:"reason"`
}

// Matcher decides whether an (app, title) pair must be hidden.
type Matcher interface {
	Match(ctx context.Context, app, title string) (Match, bool)
}

// PolicyEvaluator is an additional exclusion source consulted after the rules.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, app, title string) (excluded bool, reason string, err error)
}

// Stats summarizes the active rule set.
type Stats struct {
	EnabledRules int  `json:"enabled_rules"`
	AppRules     int  `json:"app_rules"`
	TitleRules   int  `json:"title_rules"`
	PolicyLoaded bool `json:"policy_loaded"`
}

type compiledRule struct {
	rule    storage.PrivacyRule
	pattern string
	regex   *regexp.Regexp
}

type cacheKey struct {
	app   string
	title string
}

type decision struct {
	match    Match
	excluded bool
}

// ruleSet is immutable once published; a new one replaces it on every update.
type ruleSet struct {
	rules  []compiledRule
	policy PolicyEvaluator
	cache  *lru.Cache[cacheKey, decision]
}

// Filter evaluates observations against the compiled rule set.
type Filter struct {
	current   atomic.Pointer[ruleSet]
	writeMu   sync.Mutex
	cacheSize int
	logger    zerolog.Logger
}

// NewFilter creates an empty filter. A cacheSize of zero or less disables memoization.
func NewFilter(cacheSize int, logger zerolog.Logger) *Filter {
	f := &Filter{
		cacheSize: cacheSize,
		logger:    logger.With().Str("component", "privacy").Logger(),
	}
	f.current.Store(f.newSet(nil, nil))
	return f
}

// Update replaces the rule set. Disabled rules, empty patterns and invalid
// regular expressions are dropped.
func (f *Filter) Update(rules []storage.PrivacyRule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			continue
		}

		item := compiledRule{rule: rule}
		switch rule.MatchMode {
		case storage.MatchRegex:
			re, err := compileRegex(pattern)
			if err != nil {
				f.logger.Warn().Err(err).Int64("rule_id", rule.ID).Msg("Skipping privacy rule with invalid regex")
				continue
			}
			item.regex = re
		case storage.MatchContains, storage.MatchExact:
			item.pattern = fold(pattern)
		default:
			continue
		}

		compiled = append(compiled, item)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old := f.current.Load()
	f.current.Store(f.newSet(compiled, old.policy))
	metrics.PrivacyRulesActive.Set(float64(len(compiled)))

	f.logger.Debug().Int("enabled_rules", len(compiled)).Msg("Privacy rules updated")
}

// SetPolicy attaches or removes (nil) the policy evaluator.
func (f *Filter) SetPolicy(policy PolicyEvaluator) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old := f.current.Load()
	f.current.Store(f.newSet(old.rules, policy))
}

func (f *Filter) newSet(rules []compiledRule, policy PolicyEvaluator) *ruleSet {
	set := &ruleSet{rules: rules, policy: policy}
	if f.cacheSize > 0 {
		cache, err := lru.New[cacheKey, decision](f.cacheSize)
		if err == nil {
			set.cache = cache
		}
	}
	return set
}

// Match returns the first rule (or policy decision) that excludes the pair.
func (f *Filter) Match(ctx context.Context, app, title string) (Match, bool) {
	set := f.current.Load()
	key := cacheKey{app: app, title: title}

	if set.cache != nil {
		if d, ok := set.cache.Get(key); ok {
			return d.match, d.excluded
		}
	}

	d, cacheable := set.evaluate(ctx, app, title, f.logger)
	if cacheable && set.cache != nil {
		set.cache.Add(key, d)
	}
	return d.match, d.excluded
}

// Excluded reports whether the pair is hidden by any rule or policy.
func (f *Filter) Excluded(ctx context.Context, app, title string) bool {
	_, excluded := f.Match(ctx, app, title)
	return excluded
}

// Stats returns counts for the active rule set.
func (f *Filter) Stats() Stats {
	set := f.current.Load()
	stats := Stats{
		EnabledRules: len(set.rules),
		PolicyLoaded: set.policy != nil,
	}
	for _, item := range set.rules {
		switch item.rule.Scope {
		case storage.ScopeApp:
			stats.AppRules++
		case storage.ScopeTitle:
			stats.TitleRules++
		}
	}
	return stats
}

func (s *ruleSet) evaluate(ctx context.Context, app, title string, logger zerolog.Logger) (decision, bool) {
	appText := strings.TrimSpace(app)
	titleText := strings.TrimSpace(title)
	appFolded := fold(appText)
	titleFolded := fold(titleText)

	for i := range s.rules {
		item := &s.rules[i]

		value, folded := appText, appFolded
		if item.rule.Scope == storage.ScopeTitle {
			value, folded = titleText, titleFolded
		}
		if value == "" {
			continue
		}

		var matched bool
		switch item.rule.MatchMode {
		case storage.MatchContains:
			matched = strings.Contains(folded, item.pattern)
		case storage.MatchExact:
			matched = folded == item.pattern
		case storage.MatchRegex:
			matched = item.regex.MatchString(value)
		}

		if matched {
			rule := item.rule
			return decision{
				match:    Match{Rule: &rule, Reason: describe(rule)},
				excluded: true,
			}, true
		}
	}

	if s.policy == nil {
		return decision{}, true
	}

	excluded, reason, err := s.policy.Evaluate(ctx, appText, titleText)
	if err != nil {
		metrics.PolicyEvaluations.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("Privacy policy evaluation failed")
		return decision{}, false
	}
	if !excluded {
		metrics.PolicyEvaluations.WithLabelValues("allow").Inc()
		return decision{}, true
	}

	metrics.PolicyEvaluations.WithLabelValues("exclude").Inc()
	if reason == "" {
		reason = "policy"
	}
	return decision{match: Match{Reason: reason}, excluded: true}, true
}

func describe(rule storage.PrivacyRule) string {
	return string(rule.Scope) + " " + string(rule.MatchMode) + " " + rule.Pattern
}
