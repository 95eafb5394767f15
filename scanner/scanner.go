// Package scanner evaluates every member of a group against its rules.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/yairfalse/vahti/executor"
	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Defaults for batch scans
const (
	DefaultPageSize               = 100
	DefaultMaxMembers             = 50000
	DefaultMaxConsecutiveFailures = 3
	DefaultPageDelay              = time.Second
	DefaultEnrichDelay            = 100 * time.Millisecond
)

// Options tunes pagination and pacing. Zero values take the defaults,
// except delays: a negative delay disables pacing.
type Options struct {
	PageSize               int
	MaxMembers             int
	MaxConsecutiveFailures int
	PageDelay              time.Duration
	EnrichDelay            time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxMembers <= 0 {
		o.MaxMembers = DefaultMaxMembers
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.PageDelay == 0 {
		o.PageDelay = DefaultPageDelay
	}
	if o.EnrichDelay == 0 {
		o.EnrichDelay = DefaultEnrichDelay
	}
	return o
}

// Evaluator decides on one candidate. *policy.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, groupID string, profile types.CandidateProfile, rules []types.Rule) types.Decision
}

// Actor executes matched rules. *executor.Executor implements it.
type Actor interface {
	Execute(ctx context.Context, req executor.Request) executor.Outcome
}

// Config wires the scanner
type Config struct {
	Members   providers.MemberSource
	Profiles  providers.ProfileFetcher
	Rules     providers.RuleSource
	Evaluator Evaluator
	Executor  Actor
	Options   Options
}

// Report is the result of one scan
type Report struct {
	Results []types.ScanResult
	Summary types.ScanSummary
}

// Scanner runs batch scans and previews
type Scanner struct {
	members   providers.MemberSource
	profiles  providers.ProfileFetcher
	rules     providers.RuleSource
	evaluator Evaluator
	executor  Actor
	opts      Options

	pageLimiter   *rate.Limiter
	enrichLimiter *rate.Limiter
	inflight      singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight

	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// New creates a scanner. The rate limiters are shared by all scans, so
// concurrent scans of different groups split the platform budget.
func New(cfg Config) *Scanner {
	opts := cfg.Options.withDefaults()
	return &Scanner{
		members:       cfg.Members,
		profiles:      cfg.Profiles,
		rules:         cfg.Rules,
		evaluator:     cfg.Evaluator,
		executor:      cfg.Executor,
		opts:          opts,
		pageLimiter:   newLimiter(opts.PageDelay),
		enrichLimiter: newLimiter(opts.EnrichDelay),
		flights:       make(map[string]*flight),
		logger:        telemetry.NewLogger("scanner"),
		tracer:        otel.Tracer("scanner"),
		metrics:       telemetry.DefaultMetrics(),
	}
}

func newLimiter(every time.Duration) *rate.Limiter {
	if every < 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// ScanAll scans every member of the group and returns the flagged ones
func (s *Scanner) ScanAll(ctx context.Context, groupID string) ([]types.ScanResult, error) {
	report, err := s.Scan(ctx, groupID)
	return report.Results, err
}

// flight is the context of one shared scan. It is cancelled once no caller
// is waiting on the scan any more.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Scan is ScanAll with a summary. Concurrent scans of the same group share
// one run, which stops only when every caller has gone. A caller that leaves
// while others still wait gets its context error; the last one to leave gets
// the partial report.
func (s *Scanner) Scan(ctx context.Context, groupID string) (Report, error) {
	f := s.join(ctx, groupID)

	ch := s.inflight.DoChan(groupID, func() (any, error) {
		defer s.land(groupID, f)
		return s.scan(f.ctx, groupID)
	})

	select {
	case res := <-ch:
		s.leave(groupID, f)
		if res.Shared {
			s.logger.WithContext(ctx).Debug().
				Str("group_id", groupID).
				Msg("joined running scan")
		}
		report, _ := res.Val.(Report)
		return report, res.Err
	case <-ctx.Done():
		if !s.leave(groupID, f) {
			return Report{}, ctx.Err()
		}
		// last caller: the scan stops at the next member and reports
		res := <-ch
		report, _ := res.Val.(Report)
		return report, res.Err
	}
}

// join registers a caller on the group's flight, creating it if needed.
// The flight context keeps ctx's values but not its cancellation.
func (s *Scanner) join(ctx context.Context, groupID string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flights[groupID]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		s.flights[groupID] = f
	}
	f.waiters++
	return f
}

// leave deregisters a caller and reports whether it was the last one, in
// which case the flight is cancelled
func (s *Scanner) leave(groupID string, f *flight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	if s.flights[groupID] == f {
		delete(s.flights, groupID)
	}
	return true
}

// land retires the flight once its scan has returned, so later callers
// start a fresh one
func (s *Scanner) land(groupID string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flights[groupID] == f {
		delete(s.flights, groupID)
	}
}

func (s *Scanner) scan(ctx context.Context, groupID string) (Report, error) {
	start := time.Now()
	summary := types.ScanSummary{ScanID: uuid.NewString(), GroupID: groupID}
	report := Report{}

	ctx, span := telemetry.StartScan(ctx, s.tracer, groupID, summary.ScanID)
	log := s.logger.WithContext(ctx).With().
		Str("scan_id", summary.ScanID).
		Str("group_id", groupID).
		Logger()

	finish := func(err error) (Report, error) {
		summary.Duration = time.Since(start)
		summary.Flagged = len(report.Results)
		report.Summary = summary
		span.End(summary.Evaluated, summary.Flagged, summary.Aborted)
		s.metrics.RecordScan(ctx, groupID, summary.Evaluated, summary.Duration)
		log.Info().
			Int("evaluated", summary.Evaluated).
			Int("pages", summary.Pages).
			Int("flagged", summary.Flagged).
			Int("banned", summary.Banned).
			Bool("aborted", summary.Aborted).
			Bool("capped", summary.Capped).
			Dur("duration", summary.Duration).
			Msg("scan finished")
		return report, err
	}

	rules := s.rules.GetRules(groupID)
	if !hasEnabled(rules) {
		log.Info().Msg("no enabled rules, nothing to scan")
		return finish(nil)
	}
	groupCfg := s.rules.GetGroupConfig(groupID)

	log.Info().
		Int("rules", len(rules)).
		Bool("auto_ban", groupCfg.EnableAutoBan).
		Msg("scan started")

	offset := 0
	failures := 0
	for {
		if summary.Evaluated >= s.opts.MaxMembers {
			summary.Capped = true
			log.Warn().Int("max_members", s.opts.MaxMembers).Msg("member cap reached")
			break
		}
		if err := s.pageLimiter.Wait(ctx); err != nil {
			log.Info().Err(err).Msg("scan cancelled")
			break
		}

		page, more, err := s.members.FetchGroupMembersPage(ctx, groupID, s.opts.PageSize, offset)
		if err != nil {
			if errors.Is(err, providers.ErrNotAuthenticated) {
				return finish(err)
			}
			if ctx.Err() != nil {
				break
			}
			failures++
			s.metrics.RecordPageFailure(ctx, groupID)
			if failures >= s.opts.MaxConsecutiveFailures {
				summary.Aborted = true
				log.Error().Err(err).
					Int("offset", offset).
					Int("consecutive_failures", failures).
					Msg("too many page failures, aborting scan")
				break
			}
			log.Warn().Err(err).Int("offset", offset).Msg("page fetch failed, skipping page")
			offset += s.opts.PageSize
			continue
		}

		failures = 0
		summary.Pages++
		span.RecordPage(offset, len(page))

		for _, member := range page {
			if summary.Evaluated >= s.opts.MaxMembers || ctx.Err() != nil {
				break
			}
			result, flagged, err := s.process(ctx, groupID, member, rules, groupCfg, &summary)
			if err != nil {
				if errors.Is(err, providers.ErrNotAuthenticated) {
					return finish(err)
				}
				// cancelled mid-enrichment; the member is not evaluated
				break
			}
			if flagged {
				report.Results = append(report.Results, result)
			}
		}
		if ctx.Err() != nil {
			log.Info().Int("evaluated", summary.Evaluated).Msg("scan cancelled")
			break
		}

		if len(page) < s.opts.PageSize || !more {
			break
		}
		offset += s.opts.PageSize
	}

	return finish(nil)
}

// process enriches, evaluates and, with auto-ban, acts on one member. A
// failed ban leaves the member a violation; it never fails the scan.
func (s *Scanner) process(ctx context.Context, groupID string, member types.CandidateProfile, rules []types.Rule, groupCfg types.GroupConfig, summary *types.ScanSummary) (types.ScanResult, bool, error) {
	member, enriched, err := s.enrich(ctx, member)
	if err != nil {
		return types.ScanResult{}, false, err
	}
	if enriched {
		summary.Enriched++
	}
	summary.Evaluated++

	decision := s.evaluator.Evaluate(ctx, groupID, member, rules)
	if decision.IsAllow() {
		return types.ScanResult{}, false, nil
	}

	result := newResult(member, decision, types.ScanViolation)

	if !groupCfg.EnableAutoBan || decision.Rule == nil || !decision.Rule.ActionType.IsPunitive() || s.executor == nil {
		return result, true, nil
	}
	if ctx.Err() != nil {
		return result, true, nil
	}

	outcome := s.executor.Execute(ctx, executor.Request{
		Candidate: member,
		Rule:      *decision.Rule,
		Reason:    decision.Reason,
		GroupID:   groupID,
		Module:    types.ModuleBatchScan,
	})
	if outcome.Status == executor.StatusExecuted {
		result.Action = types.ScanBanned
		summary.Banned++
	}
	return result, true, nil
}

// enrich fetches the full profile when rule-relevant fields are missing.
// Remote failures keep the thin record; cancellation and a lost session are
// returned.
func (s *Scanner) enrich(ctx context.Context, member types.CandidateProfile) (types.CandidateProfile, bool, error) {
	if !member.NeedsEnrichment() || s.profiles == nil {
		return member, false, nil
	}
	if err := s.enrichLimiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return member, false, ctxErr
		}
		// the limiter refuses waits past ctx's deadline
		return member, false, context.DeadlineExceeded
	}

	full, err := s.profiles.FetchFullProfile(ctx, member.ID)
	if err != nil {
		if errors.Is(err, providers.ErrNotAuthenticated) {
			return member, false, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return member, false, ctxErr
		}
		s.logger.LogRemoteError(ctx, "fetch_full_profile", err)
		return member, false, nil
	}
	return mergeProfile(member, full), true, nil
}

// Preview evaluates one candidate without acting
func (s *Scanner) Preview(ctx context.Context, groupID string, candidate types.CandidateProfile) (types.ScanResult, error) {
	candidate, _, err := s.enrich(ctx, candidate)
	if err != nil {
		return types.ScanResult{}, err
	}

	decision := s.evaluator.Evaluate(ctx, groupID, candidate, s.rules.GetRules(groupID))
	if decision.IsAllow() {
		return newResult(candidate, decision, types.ScanAllowed), nil
	}
	return newResult(candidate, decision, types.ScanViolation), nil
}

func newResult(member types.CandidateProfile, decision types.Decision, action types.ScanAction) types.ScanResult {
	return types.ScanResult{
		UserID:      member.ID,
		DisplayName: member.DisplayName,
		Action:      action,
		Reason:      decision.Reason,
		RuleName:    decision.MatchedRuleName(),
	}
}

// mergeProfile overlays the full profile on the thin one
func mergeProfile(thin, full types.CandidateProfile) types.CandidateProfile {
	merged := full
	if merged.ID == "" {
		merged.ID = thin.ID
	}
	if merged.DisplayName == "" {
		merged.DisplayName = thin.DisplayName
	}
	if merged.Bio == nil {
		merged.Bio = thin.Bio
	}
	if merged.Tags == nil {
		merged.Tags = thin.Tags
	}
	if merged.Status == "" {
		merged.Status = thin.Status
	}
	if merged.StatusDescription == "" {
		merged.StatusDescription = thin.StatusDescription
	}
	if merged.Pronouns == "" {
		merged.Pronouns = thin.Pronouns
	}
	return merged
}

func hasEnabled(rules []types.Rule) bool {
	for _, r := range rules {
		if r.Enabled {
			return true
		}
	}
	return false
}
