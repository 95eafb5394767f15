package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/vahti/providers"
)

// SweepResult describes one pass over the active group's occupants
type SweepResult struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	GroupID    string        `json:"group_id,omitempty"`
	Occupants  int           `json:"occupants"`
	Checked    int           `json:"checked"`
	Duplicates int           `json:"duplicates"`
	Flagged    int           `json:"flagged"`
	Errors     []string      `json:"errors,omitempty"`
}

// Sweep checks everyone currently present in the active group. It is safe
// to run alongside event-driven checks; both share the dedup cache.
func (c *Checker) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{StartTime: time.Now()}

	if c.resolver == nil || c.occupants == nil {
		return c.finishSweep(ctx, result), fmt.Errorf("sweep needs a group resolver and occupant lister")
	}

	groupID, ok := c.resolver.GetActiveGroupID(ctx)
	if !ok || groupID == "" {
		c.logger.WithContext(ctx).Debug().Msg("no active group, skipping sweep")
		return c.finishSweep(ctx, result), nil
	}
	result.GroupID = groupID

	occupants, err := c.occupants.ListOccupants(ctx)
	if err != nil {
		if errors.Is(err, providers.ErrNotAuthenticated) {
			return c.finishSweep(ctx, result), err
		}
		c.logger.LogRemoteError(ctx, "list_occupants", err)
		result.Errors = append(result.Errors, fmt.Sprintf("list occupants: %v", err))
		return c.finishSweep(ctx, result), nil
	}
	result.Occupants = len(occupants)

	for _, occupant := range occupants {
		decision, fresh, err := c.check(ctx, groupID, occupant)
		if err != nil {
			// cancelled
			break
		}
		if !fresh {
			result.Duplicates++
			continue
		}
		result.Checked++
		if !decision.IsAllow() {
			result.Flagged++
		}
	}

	return c.finishSweep(ctx, result), nil
}

func (c *Checker) finishSweep(ctx context.Context, result *SweepResult) *SweepResult {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	c.logger.WithContext(ctx).Debug().
		Str("group_id", result.GroupID).
		Int("occupants", result.Occupants).
		Int("checked", result.Checked).
		Int("duplicates", result.Duplicates).
		Int("flagged", result.Flagged).
		Dur("duration", result.Duration).
		Msg("sweep complete")

	return result
}

// Run sweeps every interval until ctx is done or the platform session is
// lost
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				if errors.Is(err, providers.ErrNotAuthenticated) {
					return err
				}
				c.logger.WithContext(ctx).Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Start runs the sweep in the background. Calling Start twice is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func(done chan struct{}) {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			c.logger.Error().Err(err).Msg("sweep stopped")
		}
	}(c.done)

	c.logger.Info().Dur("interval", c.interval).Msg("sweep started")
}

// Stop cancels the sweep and waits for it to exit
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info().Msg("sweep stopped")
}
