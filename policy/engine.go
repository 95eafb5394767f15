package policy

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Engine wraps Evaluate with logging, tracing and decision metrics
type Engine struct {
	logger   *telemetry.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	matchers map[types.RuleType]Matcher
}

// NewEngine creates an engine with the built-in rule types
func NewEngine() *Engine {
	return &Engine{
		logger:   telemetry.NewLogger("policy-engine"),
		tracer:   otel.Tracer("policy-engine"),
		metrics:  telemetry.DefaultMetrics(),
		matchers: builtinMatchers(),
	}
}

// WithMatcher returns a copy of the engine that handles ruleType with m
func (e *Engine) WithMatcher(ruleType types.RuleType, m Matcher) *Engine {
	clone := *e
	clone.matchers = maps.Clone(e.matchers)
	clone.matchers[ruleType] = m
	return &clone
}

// WithLogger replaces the engine logger
func (e *Engine) WithLogger(logger *telemetry.Logger) *Engine {
	clone := *e
	clone.logger = logger
	return &clone
}

// Evaluate evaluates a candidate for a group
func (e *Engine) Evaluate(ctx context.Context, groupID string, profile types.CandidateProfile, rules []types.Rule) types.Decision {
	ctx, span := e.tracer.Start(ctx, "policy_engine.evaluate",
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.String("user.id", profile.ID),
			attribute.Int("rules.count", len(rules)),
		))
	defer span.End()

	decision, recovered := evaluate(e.matchers, profile, rules)
	if recovered != nil {
		span.RecordError(recovered)
		e.logger.WithContext(ctx).Error().
			Err(recovered).
			Str("group_id", groupID).
			Str("user_id", profile.ID).
			Msg("rule evaluation failed, allowing candidate")
	}

	span.SetAttributes(attribute.String("decision.action", string(decision.Action)))
	e.metrics.RecordDecision(ctx, groupID, string(decision.Action))
	e.logger.LogDecision(ctx, groupID, profile, decision)

	return decision
}
