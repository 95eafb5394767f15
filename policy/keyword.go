package policy

import (
	"fmt"
	"strings"

	"github.com/yairfalse/vahti/types"
)

// KeywordMatcher implements KEYWORD_BLOCK rules
type KeywordMatcher struct{}

// Match reports the first configured keyword found in the candidate's
// scanned fields. Any whitelist hit vetoes the whole rule.
func (KeywordMatcher) Match(profile types.CandidateProfile, rule types.Rule) (string, bool) {
	cfg, ok := rule.Config.(types.KeywordConfig)
	if !ok {
		return "", false
	}

	haystack := buildHaystack(profile, cfg)

	for _, term := range cfg.Whitelist {
		if t := normalize(term); t != "" && strings.Contains(haystack, t) {
			return "", false
		}
	}

	for _, keyword := range cfg.Keywords {
		k := normalize(keyword)
		if k == "" {
			continue
		}
		if strings.Contains(haystack, k) {
			return fmt.Sprintf(`Keyword: "%s"`, keyword), true
		}
	}

	return "", false
}

// buildHaystack joins the fields selected by the config, lowercased
func buildHaystack(profile types.CandidateProfile, cfg types.KeywordConfig) string {
	parts := []string{profile.DisplayName}
	if cfg.ScanBio {
		parts = append(parts, profile.BioText())
	}
	if cfg.ScanStatus {
		parts = append(parts, profile.Status, profile.StatusDescription)
	}
	if cfg.ScanPronouns {
		parts = append(parts, profile.Pronouns)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
