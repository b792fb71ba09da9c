package intervention

import (
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// matchRule reports whether every entry of match matches the call arguments.
// Patterns containing '*' are globs; anything else is a substring check.
// An empty match always matches.
func matchRule(match map[string]string, args map[string]any) bool {
	for path, pattern := range match {
		value, ok := toolargs.LookupString(args, path)
		if !ok {
			return false
		}
		if strings.Contains(pattern, "*") {
			if !globMatch(pattern, value) {
				return false
			}
			continue
		}
		if !strings.Contains(value, pattern) {
			return false
		}
	}
	return true
}

// matchArgument applies a blacklist matcher to one argument value.
func matchArgument(m models.ArgumentMatcher, value string) bool {
	switch m.Type {
	case models.MatchExact:
		return value == m.Pattern
	case models.MatchContains:
		return strings.Contains(value, m.Pattern)
	case models.MatchRegex:
		re, err := compileCached(m.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return globMatch(m.Pattern, value)
	}
}

func globMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	re, err := compileCached(globToRegexp(pattern))
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func globToRegexp(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return "(?s)^" + strings.Join(parts, ".*") + "$"
}

var regexpCache sync.Map

func compileCached(expr string) (*regexp.Regexp, error) {
	if cached, ok := regexpCache.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexpCache.Store(expr, re)
	return re, nil
}
