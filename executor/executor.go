// Package executor carries out the action of a matched rule: audit first,
// then the ban, then a notification.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

// Journal records action steps. *wal.WAL implements it.
type Journal interface {
	Append(entryType wal.EntryType, actionID, subject string, data any) error
	AppendError(entryType wal.EntryType, actionID, subject string, data any, errToLog error) error
}

// Config wires the executor's collaborators. Notifier and Journal are optional.
type Config struct {
	Authorizer providers.Authorizer
	Banner     providers.Banner
	Audit      providers.AuditSink
	Notifier   providers.Notifier
	Journal    Journal
	Breaker    BreakerConfig
}

// Executor runs actions. It never returns errors to its caller; failures
// are logged and reported in the Outcome.
type Executor struct {
	authorizer providers.Authorizer
	banner     *breakerBanner
	audit      providers.AuditSink
	notifier   providers.Notifier
	journal    Journal

	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates an executor
func New(cfg Config) *Executor {
	logger := telemetry.NewLogger("executor")
	return &Executor{
		authorizer: cfg.Authorizer,
		banner:     newBreakerBanner(cfg.Banner, cfg.Breaker, logger),
		audit:      cfg.Audit,
		notifier:   cfg.Notifier,
		journal:    cfg.Journal,
		logger:     logger,
		tracer:     otel.Tracer("executor"),
		metrics:    telemetry.DefaultMetrics(),
		now:        time.Now,
	}
}

// Execute acts on one matched rule
func (e *Executor) Execute(ctx context.Context, req Request) (outcome Outcome) {
	start := e.now()
	outcome.ActionID = uuid.NewString()
	subject := req.GroupID + ":" + req.Candidate.ID

	ctx, span := telemetry.StartExecute(ctx, e.tracer, req.GroupID, req.Candidate.ID, string(req.Rule.ActionType))
	defer func() {
		outcome.Duration = e.now().Sub(start)
		span.SetAttributes(attribute.String("outcome.status", string(outcome.Status)))
		telemetry.EndWithError(span, outcome.Err)
		e.metrics.RecordExecution(ctx, string(req.Module), string(outcome.Status))
	}()

	record := newActionRecord(req)

	if !e.authorizer.IsGroupAuthorized(ctx, req.GroupID) {
		e.logger.WithContext(ctx).Debug().
			Str("group_id", req.GroupID).
			Str("user_id", req.Candidate.ID).
			Msg("group not authorized, skipping action")
		e.journalAppend(ctx, wal.EntrySkipped, outcome.ActionID, subject, record)
		outcome.Status = StatusSkipped
		return outcome
	}

	e.journalAppend(ctx, wal.EntryDecided, outcome.ActionID, subject, record)
	e.writeAudit(ctx, req, start)

	if req.Rule.ActionType.IsPunitive() {
		e.journalAppend(ctx, wal.EntryExecuting, outcome.ActionID, subject, record)
		if err := e.banner.BanMember(ctx, req.GroupID, req.Candidate.ID); err != nil {
			e.logger.LogRemoteError(ctx, "ban_member", err)
			e.journalAppendError(ctx, wal.EntryFailed, outcome.ActionID, subject, record, err)
			outcome.Status = StatusFailed
			outcome.Err = err
			e.notify(ctx, req, false, start)
			return outcome
		}
		outcome.Banned = true
	}

	e.journalAppend(ctx, wal.EntryExecuted, outcome.ActionID, subject, record)
	outcome.Status = StatusExecuted

	e.logger.WithContext(ctx).Info().
		Str("group_id", req.GroupID).
		Str("user_id", req.Candidate.ID).
		Str("rule", req.Rule.Name).
		Str("action", string(req.Rule.ActionType)).
		Bool("banned", outcome.Banned).
		Msg("action executed")

	e.notify(ctx, req, outcome.Banned, start)
	return outcome
}

func (e *Executor) writeAudit(ctx context.Context, req Request, ts time.Time) {
	entry := types.AuditLogEntry{
		Timestamp: ts.UTC(),
		Actor:     types.ActorSystem,
		User:      req.Candidate.DisplayName,
		UserID:    req.Candidate.ID,
		GroupID:   req.GroupID,
		Action:    req.Rule.ActionType,
		Reason:    req.Reason,
		Module:    req.Module,
		Details: types.AuditDetails{
			RuleID:   req.Rule.ID,
			RuleName: req.Rule.Name,
			Config:   req.Rule.RawConfig,
		},
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.LogStorageError(ctx, "audit_append", err)
	}
}

func (e *Executor) notify(ctx context.Context, req Request, banned bool, ts time.Time) {
	if e.notifier == nil {
		return
	}
	v := types.Violation{
		GroupID:     req.GroupID,
		UserID:      req.Candidate.ID,
		DisplayName: req.Candidate.DisplayName,
		Action:      req.Rule.ActionType,
		Reason:      req.Reason,
		RuleName:    req.Rule.Name,
		Module:      req.Module,
		Banned:      banned,
		Timestamp:   ts.UTC(),
	}
	if err := e.notifier.Notify(ctx, v); err != nil {
		e.logger.LogRemoteError(ctx, "notify", err)
	}
}

func (e *Executor) journalAppend(ctx context.Context, t wal.EntryType, actionID, subject string, record actionRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(t, actionID, subject, record); err != nil {
		e.logger.LogStorageError(ctx, "journal_append", err)
	}
}

func (e *Executor) journalAppendError(ctx context.Context, t wal.EntryType, actionID, subject string, record actionRecord, cause error) {
	if e.journal == nil {
		return
	}
	if err := e.journal.AppendError(t, actionID, subject, record, cause); err != nil {
		e.logger.LogStorageError(ctx, "journal_append", err)
	}
}
