package privacy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/goodtune/ktrack/internal/storage"
	"golang.org/x/text/cases"
)

// ErrInvalidRule is returned when rule input fails validation.
var ErrInvalidRule = errors.New("privacy: invalid rule")

// MaxPatternLength is the longest accepted pattern, in characters.
const MaxPatternLength = 200

// Validate normalizes rule input at the management boundary. The returned
// rule carries scope, mode and the trimmed pattern; callers fill in the rest.
func Validate(scope, mode, pattern string) (storage.PrivacyRule, error) {
	parsedScope, err := storage.ParseScope(scope)
	if err != nil {
		return storage.PrivacyRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	parsedMode, err := storage.ParseMatchMode(mode)
	if err != nil {
		return storage.PrivacyRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return storage.PrivacyRule{}, fmt.Errorf("%w: pattern must not be empty", ErrInvalidRule)
	}
	if utf8.RuneCountInString(trimmed) > MaxPatternLength {
		return storage.PrivacyRule{}, fmt.Errorf("%w: pattern exceeds %d characters", ErrInvalidRule, MaxPatternLength)
	}

	if parsedMode == storage.MatchRegex {
		if _, err := compileRegex(trimmed); err != nil {
			return storage.PrivacyRule{}, fmt.Errorf("%w: invalid regex: %v", ErrInvalidRule, err)
		}
	}

	return storage.PrivacyRule{
		Scope:     parsedScope,
		MatchMode: parsedMode,
		Pattern:   trimmed,
	}, nil
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// fold returns the case-folded form used by contains and exact rules.
// A Caser is stateful, so one is created per call.
func fold(s string) string {
	return cases.Fold().String(s)
}
