package wal

import (
	"encoding/json"
	"sort"
	"time"
)

// PendingAction is an action whose last journal entry is not terminal
type PendingAction struct {
	ActionID string          `json:"action_id"`
	Subject  string          `json:"subject"`
	LastType EntryType       `json:"last_type"`
	Since    time.Time       `json:"since"`
	Sequence int64           `json:"sequence"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Pending lists actions that were decided or started but never finished,
// ordered by sequence
func Pending(dir string) ([]PendingAction, error) {
	last := make(map[string]*Entry)
	err := walkFiles(dir, DefaultConfig().FilePrefix, func(e *Entry) error {
		if e.ActionID == "" {
			return nil
		}
		if prev, ok := last[e.ActionID]; !ok || e.Sequence >= prev.Sequence {
			last[e.ActionID] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var pending []PendingAction
	for id, e := range last {
		if e.Type.Terminal() {
			continue
		}
		pending = append(pending, PendingAction{
			ActionID: id,
			Subject:  e.Subject,
			LastType: e.Type,
			Since:    e.Timestamp,
			Sequence: e.Sequence,
			Data:     e.Data,
		})
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Sequence < pending[j].Sequence
	})
	return pending, nil
}
