package policy

import (
	"fmt"

	"github.com/yairfalse/vahti/types"
)

// TrustMatcher implements TRUST_CHECK rules.
// A candidate without any trust tag has index -1 and fails every
// requirement above visitor.
type TrustMatcher struct{}

// Match reports when the candidate's tier is below the configured minimum
func (TrustMatcher) Match(profile types.CandidateProfile, rule types.Rule) (string, bool) {
	cfg, ok := rule.Config.(types.TrustConfig)
	if !ok {
		return "", false
	}

	required := types.TierIndex(cfg.MinTrustLevel)
	if required <= 0 {
		// unknown tier or visitor
		return "", false
	}

	if profile.TrustIndex() < required {
		return fmt.Sprintf("Trust Level below %s", cfg.MinTrustLevel), true
	}
	return "", false
}
