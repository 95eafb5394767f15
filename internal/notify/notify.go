// Package notify publishes violation notifications.
package notify

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Notifier sends a violation to one backend.
type Notifier interface {
	// Notify publishes the violation.
	Notify(ctx context.Context, v types.Violation) error

	// Close releases the backend.
	Close() error
}

// Multi fans out to several notifiers. Every notifier is tried; the
// errors are joined.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a fan-out notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify sends to all notifiers.
func (m *Multi) Notify(ctx context.Context, v types.Violation) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all notifiers.
func (m *Multi) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// LogNotifier writes violations to the structured log.
type LogNotifier struct {
	logger *telemetry.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: telemetry.NewLogger("notify")}
}

// Notify logs the violation.
func (l *LogNotifier) Notify(ctx context.Context, v types.Violation) error {
	l.logger.WithContext(ctx).Warn().
		Str("group_id", v.GroupID).
		Str("user_id", v.UserID).
		Str("display_name", v.DisplayName).
		Str("action", string(v.Action)).
		Str("rule", v.RuleName).
		Str("module", string(v.Module)).
		Bool("banned", v.Banned).
		Str("reason", v.Reason).
		Msg("violation")
	return nil
}

// Close is a no-op.
func (l *LogNotifier) Close() error { return nil }

// ChannelNotifier hands violations to in-process consumers over a
// buffered channel. When the buffer is full the violation is dropped.
type ChannelNotifier struct {
	ch      chan types.Violation
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewChannelNotifier creates a channel notifier with the given buffer.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelNotifier{ch: make(chan types.Violation, buffer)}
}

// C returns the receive side.
func (c *ChannelNotifier) C() <-chan types.Violation {
	return c.ch
}

// Notify enqueues without blocking.
func (c *ChannelNotifier) Notify(_ context.Context, v types.Violation) error {
	if c.closed.Load() {
		return errors.New("notifier closed")
	}
	select {
	case c.ch <- v:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many violations were dropped.
func (c *ChannelNotifier) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes the channel. Notify must not be called concurrently with
// Close.
func (c *ChannelNotifier) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
	return nil
}
