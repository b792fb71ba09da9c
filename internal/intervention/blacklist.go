package intervention

import (
	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// SecurityBlacklistAuditName names the default global audit.
const SecurityBlacklistAuditName = "security-blacklist"

// DefaultSecurityBlacklist returns the rules applied when a state carries none.
func DefaultSecurityBlacklist() []models.SecurityBlacklistRule {
	return []models.SecurityBlacklistRule{
		{
			Description: "recursive delete of the filesystem root or home directory",
			Match: map[string]models.ArgumentMatcher{
				"command": {Type: models.MatchRegex, Pattern: `\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rR][a-zA-Z]*\s+(/|~|\$HOME)/?\*?(\s|$)`},
			},
		},
		{
			Description: "fork bomb",
			Match: map[string]models.ArgumentMatcher{
				"command": {Type: models.MatchRegex, Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`},
			},
		},
		{
			Description: "piping a remote script into a shell",
			Match: map[string]models.ArgumentMatcher{
				"command": {Type: models.MatchRegex, Pattern: `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`},
			},
		},
		{
			Description: "overwriting system configuration",
			Match: map[string]models.ArgumentMatcher{
				"command": {Type: models.MatchRegex, Pattern: `>\s*/etc/`},
			},
		},
		{
			Description: "formatting or overwriting a block device",
			Match: map[string]models.ArgumentMatcher{
				"command": {Type: models.MatchRegex, Pattern: `\bmkfs(\.\w+)?\b|\bdd\b[^\n]*\bof=/dev/(sd|hd|nvme|disk|xvd)`},
			},
		},
		{
			Description: "reading private SSH keys",
			Match: map[string]models.ArgumentMatcher{
				"path": {Type: models.MatchWildcard, Pattern: "*/.ssh/id_*"},
			},
		},
		{
			Description: "reading environment secrets files",
			Match: map[string]models.ArgumentMatcher{
				"path": {Type: models.MatchWildcard, Pattern: "*/.env"},
			},
		},
	}
}

// MatchBlacklist returns the first rule whose matchers all match args.
func MatchBlacklist(rules []models.SecurityBlacklistRule, args map[string]any) (models.SecurityBlacklistRule, bool) {
	for _, rule := range rules {
		if len(rule.Match) == 0 {
			continue
		}
		matched := true
		for path, matcher := range rule.Match {
			value, ok := toolargs.LookupString(args, path)
			if !ok || !matchArgument(matcher, value) {
				matched = false
				break
			}
		}
		if matched {
			return rule, true
		}
	}
	return models.SecurityBlacklistRule{}, false
}

// SecurityBlacklistAudit blocks calls matching the state's blacklist, or the
// default blacklist when the state carries none.
func SecurityBlacklistAudit() Audit {
	return Audit{
		Name:   SecurityBlacklistAuditName,
		Policy: models.PolicyAlways,
		Match: func(in AuditInput) bool {
			rules := in.SecurityBlacklist
			if len(rules) == 0 {
				rules = DefaultSecurityBlacklist()
			}
			_, ok := MatchBlacklist(rules, in.Args)
			return ok
		},
	}
}
