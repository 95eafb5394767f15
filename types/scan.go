package types

import "time"

// ScanAction classifies a scanned member
type ScanAction string

const (
	ScanViolation ScanAction = "Violation"
	ScanBanned    ScanAction = "Banned"
	// ScanAllowed is only produced by previews
	ScanAllowed ScanAction = "Allowed"
)

// ScanResult is one flagged member from a batch scan
type ScanResult struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Action      ScanAction `json:"action"`
	Reason      string     `json:"reason,omitempty"`
	RuleName    string     `json:"ruleName,omitempty"`
}

// ScanSummary describes a finished batch scan
type ScanSummary struct {
	ScanID    string        `json:"scanId"`
	GroupID   string        `json:"groupId"`
	Evaluated int           `json:"evaluated"`
	Pages     int           `json:"pages"`
	Enriched  int           `json:"enriched"`
	Flagged   int           `json:"flagged"`
	Banned    int           `json:"banned"`
	Aborted   bool          `json:"aborted"`
	Capped    bool          `json:"capped"`
	Duration  time.Duration `json:"duration"`
}

// JoinEvent is a live join notification for a protected group
type JoinEvent struct {
	GroupID   string           `json:"groupId"`
	Candidate CandidateProfile `json:"candidate"`
}
