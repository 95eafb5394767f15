package types

import "encoding/json"

// Action is the outcome of rule evaluation
type Action string

const (
	DecisionAllow      Action = "ALLOW"
	DecisionReject     Action = "REJECT"
	DecisionAutoBlock  Action = "AUTO_BLOCK"
	DecisionNotifyOnly Action = "NOTIFY_ONLY"
)

// Decision is the evaluator output. Rule is nil iff Action is ALLOW.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Rule   *Rule  `json:"-"`
}

// Allow is the decision returned when no rule matches
func Allow() Decision {
	return Decision{Action: DecisionAllow}
}

// Match builds a non-allow decision for the given rule
func Match(rule Rule, reason string) Decision {
	return Decision{
		Action: Action(rule.ActionType),
		Reason: reason,
		Rule:   &rule,
	}
}

// IsAllow reports whether the decision lets the candidate through
func (d Decision) IsAllow() bool {
	return d.Action == DecisionAllow
}

// MatchedRuleName returns the matched rule name, empty on allow
func (d Decision) MatchedRuleName() string {
	if d.Rule == nil {
		return ""
	}
	return d.Rule.Name
}

// MarshalJSON includes the matched rule name
func (d Decision) MarshalJSON() ([]byte, error) {
	type wire struct {
		Action          Action  `json:"action"`
		Reason          string  `json:"reason,omitempty"`
		MatchedRuleName *string `json:"matchedRuleName"`
	}
	w := wire{Action: d.Action, Reason: d.Reason}
	if d.Rule != nil {
		name := d.Rule.Name
		w.MatchedRuleName = &name
	}
	return json.Marshal(w)
}
