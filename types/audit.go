package types

import (
	"encoding/json"
	"time"
)

// Module names the engine entry point that produced an audit record
type Module string

const (
	ModuleLiveCheck Module = "LiveCheck"
	ModuleBatchScan Module = "BatchScan"
)

// ActorSystem is the actor recorded for engine-initiated actions
const ActorSystem = "system"

// AuditLogEntry records an executed or attempted action.
// Entries are append-only.
type AuditLogEntry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Actor     string       `json:"actor"`
	User      string       `json:"user"`
	UserID    string       `json:"userId"`
	GroupID   string       `json:"groupId"`
	Action    ActionType   `json:"action"`
	Reason    string       `json:"reason"`
	Module    Module       `json:"module"`
	Details   AuditDetails `json:"details"`
}

// AuditDetails snapshots the rule that triggered the action
type AuditDetails struct {
	RuleID   string          `json:"ruleId"`
	RuleName string          `json:"ruleName,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// AuditFilter selects audit entries. Zero values match everything.
type AuditFilter struct {
	GroupID string
	UserID  string
	Module  Module
	Since   time.Time
	Limit   int
}

// Matches reports whether the entry passes the filter (Limit is not applied)
func (f AuditFilter) Matches(e AuditLogEntry) bool {
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Module != "" && e.Module != f.Module {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
