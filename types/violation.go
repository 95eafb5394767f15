package types

import (
	"fmt"
	"time"
)

// Violation is the notification published after a rule matched
type Violation struct {
	GroupID     string     `json:"groupId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Action      ActionType `json:"action"`
	Reason      string     `json:"reason"`
	RuleName    string     `json:"ruleName"`
	Module      Module     `json:"module"`
	Banned      bool       `json:"banned"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Summary renders a one-line human readable description
func (v Violation) Summary() string {
	verb := "flagged"
	if v.Banned {
		verb = "banned"
	}
	return fmt.Sprintf("[%s] %s (%s) %s in group %s by rule %q: %s",
		v.Action, v.DisplayName, v.UserID, verb, v.GroupID, v.RuleName, v.Reason)
}
