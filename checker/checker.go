// Package checker evaluates candidates as they join a protected group.
package checker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/dedup"
	"github.com/yairfalse/vahti/executor"
	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// ReasonAlreadyProcessed is the reason on the allow decision returned for a
// pair that was already checked in this session
const ReasonAlreadyProcessed = "already processed"

// DefaultSweepInterval is how often the occupant sweep runs
const DefaultSweepInterval = 30 * time.Second

// Evaluator decides on one candidate. *policy.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, groupID string, profile types.CandidateProfile, rules []types.Rule) types.Decision
}

// Actor executes matched rules. *executor.Executor implements it.
type Actor interface {
	Execute(ctx context.Context, req executor.Request) executor.Outcome
}

// Config wires the checker. Resolver and Occupants are only needed by the
// sweep; Dedup defaults to a cache with dedup.DefaultCeiling.
type Config struct {
	Rules         providers.RuleSource
	Evaluator     Evaluator
	Executor      Actor
	Resolver      providers.GroupResolver
	Occupants     providers.OccupantLister
	Dedup         *dedup.Cache
	SweepInterval time.Duration
}

// Checker is the live entry point
type Checker struct {
	rules     providers.RuleSource
	evaluator Evaluator
	executor  Actor
	resolver  providers.GroupResolver
	occupants providers.OccupantLister
	seen      *dedup.Cache
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// New creates a checker
func New(cfg Config) *Checker {
	seen := cfg.Dedup
	if seen == nil {
		seen = dedup.New(dedup.DefaultCeiling)
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	c := &Checker{
		rules:     cfg.Rules,
		evaluator: cfg.Evaluator,
		executor:  cfg.Executor,
		resolver:  cfg.Resolver,
		occupants: cfg.Occupants,
		seen:      seen,
		interval:  interval,
		logger:    telemetry.NewLogger("checker"),
		tracer:    otel.Tracer("checker"),
		metrics:   telemetry.DefaultMetrics(),
	}
	seen.SetOnPrune(func(size int) {
		c.logger.Info().Int("size", size).Msg("dedup cache pruned")
		c.metrics.RecordDedup(context.Background(), size, true)
	})
	return c
}

// Check evaluates a candidate once per session. A pair that was already
// checked gets an allow decision without evaluation. A failed ban is left to
// the executor's log and journal; the only error is ctx's, returned before
// the pair is claimed.
func (c *Checker) Check(ctx context.Context, groupID string, candidate types.CandidateProfile) (types.Decision, error) {
	decision, _, err := c.check(ctx, groupID, candidate)
	return decision, err
}

// check also reports whether the pair was evaluated in this call
func (c *Checker) check(ctx context.Context, groupID string, candidate types.CandidateProfile) (types.Decision, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Allow(), false, err
	}
	key := dedup.NewKey(groupID, candidate.ID)
	if !c.seen.Claim(key) {
		return types.Decision{Action: types.DecisionAllow, Reason: ReasonAlreadyProcessed}, false, nil
	}
	c.metrics.RecordDedup(ctx, c.seen.Len(), false)

	ctx, span := telemetry.StartCheck(ctx, c.tracer, groupID, candidate.ID)
	defer span.End()

	rules := c.rules.GetRules(groupID)
	if !hasEnabled(rules) {
		return types.Allow(), true, nil
	}

	decision := c.evaluator.Evaluate(ctx, groupID, candidate, rules)
	span.SetAttributes(attribute.String("decision.action", string(decision.Action)))
	if decision.IsAllow() || decision.Rule == nil || c.executor == nil {
		return decision, true, nil
	}

	outcome := c.executor.Execute(ctx, executor.Request{
		Candidate: candidate,
		Rule:      *decision.Rule,
		Reason:    decision.Reason,
		GroupID:   groupID,
		Module:    types.ModuleLiveCheck,
	})
	span.SetAttributes(attribute.String("outcome.status", string(outcome.Status)))
	return decision, true, nil
}

// Reset forgets a pair so the next check evaluates it again
func (c *Checker) Reset(groupID, userID string) bool {
	forgotten := c.seen.Forget(dedup.NewKey(groupID, userID))
	if forgotten {
		c.logger.Info().
			Str("group_id", groupID).
			Str("user_id", userID).
			Msg("dedup entry reset")
	}
	return forgotten
}

// ResetAll forgets every pair
func (c *Checker) ResetAll() {
	c.seen.Reset()
	c.logger.Info().Msg("dedup cache reset")
}

// Processed returns the number of remembered pairs
func (c *Checker) Processed() int {
	return c.seen.Len()
}

// HandleEvents checks each join event until the channel closes or ctx is
// done
func (c *Checker) HandleEvents(ctx context.Context, events <-chan types.JoinEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := c.Check(ctx, ev.GroupID, ev.Candidate); err != nil {
				return nil
			}
		}
	}
}

func hasEnabled(rules []types.Rule) bool {
	for _, r := range rules {
		if r.Enabled {
			return true
		}
	}
	return false
}
