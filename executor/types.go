package executor

import (
	"time"

	"github.com/yairfalse/vahti/types"
)

// Request is one matched rule to act on
type Request struct {
	Candidate types.CandidateProfile
	Rule      types.Rule
	Reason    string
	GroupID   string
	Module    types.Module
}

// Status is the outcome of an executor run
type Status string

const (
	// StatusExecuted means the action completed (a ban was issued, or the
	// rule only notifies)
	StatusExecuted Status = "executed"
	// StatusSkipped means the group is not authorized; nothing was written
	StatusSkipped Status = "skipped"
	// StatusFailed means the ban call failed
	StatusFailed Status = "failed"
)

// Outcome describes what happened. Err is the failed ban call's error; it
// is already logged and journaled, and callers report the member as a
// violation rather than returning it.
type Outcome struct {
	ActionID string
	Status   Status
	Banned   bool
	Err      error
	Duration time.Duration
}

// actionRecord is the journal payload
type actionRecord struct {
	GroupID  string           `json:"group_id"`
	UserID   string           `json:"user_id"`
	RuleID   string           `json:"rule_id"`
	RuleName string           `json:"rule_name"`
	Action   types.ActionType `json:"action"`
	Module   types.Module     `json:"module"`
	Reason   string           `json:"reason,omitempty"`
}

func newActionRecord(req Request) actionRecord {
	return actionRecord{
		GroupID:  req.GroupID,
		UserID:   req.Candidate.ID,
		RuleID:   req.Rule.ID,
		RuleName: req.Rule.Name,
		Action:   req.Rule.ActionType,
		Module:   req.Module,
		Reason:   req.Reason,
	}
}
