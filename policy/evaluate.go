// Package policy evaluates candidate profiles against protection rules.
package policy

import (
	"fmt"

	"github.com/yairfalse/vahti/types"
)

// Matcher checks a single rule against a candidate.
// Matchers must treat a malformed rule config as "no match".
type Matcher interface {
	Match(profile types.CandidateProfile, rule types.Rule) (reason string, matched bool)
}

// MatcherFunc adapts a function to Matcher
type MatcherFunc func(profile types.CandidateProfile, rule types.Rule) (string, bool)

// Match implements Matcher
func (f MatcherFunc) Match(profile types.CandidateProfile, rule types.Rule) (string, bool) {
	return f(profile, rule)
}

func builtinMatchers() map[types.RuleType]Matcher {
	return map[types.RuleType]Matcher{
		types.RuleKeywordBlock: KeywordMatcher{},
		types.RuleTrustCheck:   TrustMatcher{},
	}
}

// Evaluate runs the enabled rules in order and returns the first match.
// It never fails: anything that goes wrong inside a matcher yields ALLOW.
func Evaluate(profile types.CandidateProfile, rules []types.Rule) types.Decision {
	d, _ := evaluate(builtinMatchers(), profile, rules)
	return d
}

// evaluate returns the decision and, when a matcher panicked, the recovered
// value as an error
func evaluate(matchers map[types.RuleType]Matcher, profile types.CandidateProfile, rules []types.Rule) (decision types.Decision, recovered error) {
	defer func() {
		if r := recover(); r != nil {
			decision = types.Allow()
			recovered = fmt.Errorf("rule evaluation panicked: %v", r)
		}
	}()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		m, ok := matchers[rule.Type]
		if !ok {
			continue
		}
		if reason, matched := m.Match(profile, rule); matched {
			return types.Match(rule, reason), nil
		}
	}

	return types.Allow(), nil
}
