package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/executor"
	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/providers/rest"
	"github.com/yairfalse/vahti/types"
)

// MockMembers serves pages of the given sizes. Members whose index is in
// spam get "spam" in their display name.
type MockMembers struct {
	mu      sync.Mutex
	pages   []int
	spam    map[int]bool
	failAt  map[int]error // page index -> error
	thin    bool
	fetches int
	offsets []int
	block   chan struct{}
}

func (m *MockMembers) FetchGroupMembersPage(ctx context.Context, groupID string, pageSize, offset int) ([]types.CandidateProfile, bool, error) {
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.fetches
	m.fetches++
	m.offsets = append(m.offsets, offset)

	if err, ok := m.failAt[idx]; ok {
		return nil, false, err
	}
	if idx >= len(m.pages) {
		return nil, false, nil
	}

	size := m.pages[idx]
	page := make([]types.CandidateProfile, 0, size)
	for i := 0; i < size; i++ {
		n := offset + i
		p := types.CandidateProfile{ID: fmt.Sprintf("usr_%d", n), DisplayName: fmt.Sprintf("member %d", n)}
		if m.spam[n] {
			p.DisplayName = "spam bot"
		}
		if !m.thin {
			p.Bio = types.StringPtr("")
			p.Tags = []string{}
		}
		page = append(page, p)
	}
	return page, size == pageSize, nil
}

// MockProfiles returns full profiles with a bio. onFetch, if set, runs
// before each fetch and its error is returned.
type MockProfiles struct {
	mu      sync.Mutex
	calls   int
	bio     string
	err     error
	onFetch func(ctx context.Context) error
}

func (m *MockProfiles) FetchFullProfile(ctx context.Context, userID string) (types.CandidateProfile, error) {
	m.mu.Lock()
	m.calls++
	hook := m.onFetch
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return types.CandidateProfile{}, err
		}
	}
	if m.err != nil {
		return types.CandidateProfile{}, m.err
	}
	return types.CandidateProfile{ID: userID, Bio: types.StringPtr(m.bio), Tags: []string{"system_trust_known"}}, nil
}

// MemoryAudit keeps audit entries in memory
type MemoryAudit struct {
	mu      sync.Mutex
	entries []types.AuditLogEntry
}

func (m *MemoryAudit) Append(ctx context.Context, entry types.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// MockRules serves a fixed rule set
type MockRules struct {
	rules []types.Rule
	cfg   types.GroupConfig
}

func (m *MockRules) GetRules(groupID string) []types.Rule { return m.rules }
func (m *MockRules) GetGroupConfig(groupID string) types.GroupConfig { return m.cfg }

// MockActor records executor requests
type MockActor struct {
	mu       sync.Mutex
	requests []executor.Request
	status   executor.Status
	err      error
}

func (m *MockActor) Execute(ctx context.Context, req executor.Request) executor.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return executor.Outcome{Status: m.status, Banned: m.status == executor.StatusExecuted, Err: m.err}
}

func (m *MockActor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var fastOptions = Options{PageDelay: -1, EnrichDelay: -1}

func spamRule(action types.ActionType) types.Rule {
	return types.NewRule("r1", "No spam", types.RuleKeywordBlock, action, json.RawMessage(`"spam"`))
}

func newScanner(members *MockMembers, profiles providers.ProfileFetcher, rules *MockRules, actor Actor, opts Options) *Scanner {
	return New(Config{
		Members:   members,
		Profiles:  profiles,
		Rules:     rules,
		Evaluator: policy.NewEngine(),
		Executor:  actor,
		Options:   opts,
	})
}

func TestScan_PaginationTerminatesOnShortPage(t *testing.T) {
	members := &MockMembers{pages: []int{100, 100, 37}, spam: map[int]bool{5: true, 150: true, 236: true}}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 3, members.fetches)
	assert.Equal(t, []int{0, 100, 200}, members.offsets)
	assert.Equal(t, 237, report.Summary.Evaluated)
	assert.Equal(t, 3, report.Summary.Pages)
	assert.NotEmpty(t, report.Summary.ScanID)
	require.Len(t, report.Results, 3)
	for _, r := range report.Results {
		assert.Equal(t, types.ScanViolation, r.Action)
		assert.Equal(t, "No spam", r.RuleName)
	}
}

func TestScan_ExactMultipleStopsOnEmptyPage(t *testing.T) {
	members := &MockMembers{pages: []int{100, 100}}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 3, members.fetches)
	assert.Equal(t, 200, report.Summary.Evaluated)
}

func TestScan_MaxMembersCap(t *testing.T) {
	members := &MockMembers{pages: []int{10, 10, 10, 10}}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	opts := fastOptions
	opts.PageSize = 10
	opts.MaxMembers = 25
	s := newScanner(members, nil, rules, nil, opts)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 25, report.Summary.Evaluated)
	assert.True(t, report.Summary.Capped)
	assert.Equal(t, 3, members.fetches)
}

func TestScan_SinglePageFailureSkipsPage(t *testing.T) {
	members := &MockMembers{
		pages:  []int{100, 100, 100, 37},
		failAt: map[int]error{1: errors.New("timeout")},
	}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, []int{0, 100, 200, 300}, members.offsets)
	assert.Equal(t, 237, report.Summary.Evaluated)
	assert.False(t, report.Summary.Aborted)
}

func TestScan_AbortsAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("platform down")
	members := &MockMembers{
		pages:  []int{100, 100, 100, 100, 100},
		spam:   map[int]bool{3: true},
		failAt: map[int]error{1: boom, 2: boom, 3: boom},
	}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err, "partial results are returned without error")
	assert.True(t, report.Summary.Aborted)
	assert.Equal(t, 4, members.fetches)
	assert.Equal(t, 100, report.Summary.Evaluated)
	assert.Len(t, report.Results, 1)
}

func TestScan_NotAuthenticatedSurfaces(t *testing.T) {
	members := &MockMembers{failAt: map[int]error{0: fmt.Errorf("fetch: %w", providers.ErrNotAuthenticated)}}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	_, err := s.ScanAll(context.Background(), "grp_1")

	assert.ErrorIs(t, err, providers.ErrNotAuthenticated)
	assert.Equal(t, 1, members.fetches)
}

func TestScan_FailedBanKeepsViolationAndContinues(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"refused", errors.New("status 403: target is a moderator")},
		{"session lost on ban", fmt.Errorf("ban: %w", providers.ErrNotAuthenticated)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members := &MockMembers{pages: []int{100, 100, 37}, spam: map[int]bool{5: true, 150: true}}
			rules := &MockRules{
				rules: []types.Rule{spamRule(types.ActionAutoBlock)},
				cfg:   types.GroupConfig{EnableAutoBan: true},
			}
			actor := &MockActor{status: executor.StatusFailed, err: tt.err}
			s := newScanner(members, nil, rules, actor, fastOptions)

			report, err := s.Scan(context.Background(), "grp_1")

			require.NoError(t, err)
			assert.Equal(t, 237, report.Summary.Evaluated)
			assert.Zero(t, report.Summary.Banned)
			require.Len(t, report.Results, 2)
			for _, r := range report.Results {
				assert.Equal(t, types.ScanViolation, r.Action)
			}
			assert.Equal(t, 2, actor.count())
		})
	}
}

func TestScan_PlatformRefusesBan(t *testing.T) {
	var bans atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/groups/grp_1/members":
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			size := map[int]int{0: 100, 100: 100, 200: 37}[offset]
			page := make([]types.CandidateProfile, 0, size)
			for i := 0; i < size; i++ {
				n := offset + i
				name := fmt.Sprintf("member %d", n)
				if n == 5 || n == 150 {
					name = "spam bot"
				}
				page = append(page, types.CandidateProfile{
					ID:          fmt.Sprintf("usr_%d", n),
					DisplayName: name,
					Bio:         types.StringPtr(""),
					Tags:        []string{"system_trust_known"},
				})
			}
			_ = json.NewEncoder(w).Encode(page)
		case "/groups/grp_1/bans":
			bans.Add(1)
			http.Error(w, "target is a moderator", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := rest.New(providers.PlatformConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	audit := &MemoryAudit{}
	exec := executor.New(executor.Config{
		Authorizer: providers.NewStaticAuthorizer("grp_1"),
		Banner:     client,
		Audit:      audit,
	})
	rules := &MockRules{
		rules: []types.Rule{spamRule(types.ActionAutoBlock)},
		cfg:   types.GroupConfig{EnableAutoBan: true},
	}
	s := New(Config{
		Members:   client,
		Rules:     rules,
		Evaluator: policy.NewEngine(),
		Executor:  exec,
		Options:   fastOptions,
	})

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 237, report.Summary.Evaluated)
	assert.Equal(t, 3, report.Summary.Pages)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "usr_5", report.Results[0].UserID)
	assert.Equal(t, "usr_150", report.Results[1].UserID)
	for _, r := range report.Results {
		assert.Equal(t, types.ScanViolation, r.Action)
	}
	assert.Equal(t, int32(2), bans.Load())
	assert.Len(t, audit.entries, 2)
}

func TestScan_NoEnabledRules(t *testing.T) {
	members := &MockMembers{pages: []int{5}}
	disabled := spamRule(types.ActionReject)
	disabled.Enabled = false
	s := newScanner(members, nil, &MockRules{rules: []types.Rule{disabled}}, nil, fastOptions)

	results, err := s.ScanAll(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, members.fetches)
}

func TestScan_AutoBan(t *testing.T) {
	tests := []struct {
		name       string
		autoBan    bool
		action     types.ActionType
		status     executor.Status
		wantAction types.ScanAction
		wantCalls  int
	}{
		{"auto-ban executes", true, types.ActionAutoBlock, executor.StatusExecuted, types.ScanBanned, 1},
		{"auto-ban failed ban", true, types.ActionReject, executor.StatusFailed, types.ScanViolation, 1},
		{"auto-ban unauthorized", true, types.ActionReject, executor.StatusSkipped, types.ScanViolation, 1},
		{"auto-ban off", false, types.ActionReject, executor.StatusExecuted, types.ScanViolation, 0},
		{"notify-only never executes", true, types.ActionNotifyOnly, executor.StatusExecuted, types.ScanViolation, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members := &MockMembers{pages: []int{3}, spam: map[int]bool{1: true}}
			rules := &MockRules{
				rules: []types.Rule{spamRule(tt.action)},
				cfg:   types.GroupConfig{EnableAutoBan: tt.autoBan},
			}
			actor := &MockActor{status: tt.status}
			s := newScanner(members, nil, rules, actor, fastOptions)

			report, err := s.Scan(context.Background(), "grp_1")

			require.NoError(t, err)
			require.Len(t, report.Results, 1)
			assert.Equal(t, tt.wantAction, report.Results[0].Action)
			assert.Len(t, actor.requests, tt.wantCalls)
			if tt.wantCalls > 0 {
				assert.Equal(t, types.ModuleBatchScan, actor.requests[0].Module)
				assert.Equal(t, "usr_1", actor.requests[0].Candidate.ID)
			}
		})
	}
}

func TestScan_EnrichesThinMembers(t *testing.T) {
	members := &MockMembers{pages: []int{4}, thin: true}
	profiles := &MockProfiles{bio: "selling spam"}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, profiles, rules, nil, fastOptions)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 4, profiles.calls)
	assert.Equal(t, 4, report.Summary.Enriched)
	assert.Len(t, report.Results, 4)
	assert.Equal(t, "member 0", report.Results[0].DisplayName)
}

func TestScan_EnrichmentFailureKeepsThinRecord(t *testing.T) {
	members := &MockMembers{pages: []int{2}, thin: true, spam: map[int]bool{0: true}}
	profiles := &MockProfiles{err: errors.New("404")}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, profiles, rules, nil, fastOptions)

	report, err := s.Scan(context.Background(), "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Evaluated)
	assert.Zero(t, report.Summary.Enriched)
	assert.Len(t, report.Results, 1)
}

func TestScan_ContextCancelledReturnsPartial(t *testing.T) {
	members := &MockMembers{pages: []int{100, 100, 100}}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	opts := Options{PageDelay: time.Hour, EnrichDelay: -1}
	s := newScanner(members, nil, rules, nil, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := s.Scan(ctx, "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 1, members.fetches)
	assert.Equal(t, 100, report.Summary.Evaluated)
}

func trustRules() *MockRules {
	return &MockRules{
		rules: []types.Rule{types.NewRule("r1", "Known only", types.RuleTrustCheck, types.ActionReject, json.RawMessage(`{"minTrustLevel":"known"}`))},
		cfg:   types.GroupConfig{EnableAutoBan: true},
	}
}

func TestScan_CancelDuringEnrichmentStopsActing(t *testing.T) {
	members := &MockMembers{pages: []int{100}, thin: true}
	actor := &MockActor{status: executor.StatusExecuted}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the first fetch is aborted by the caller going away
	profiles := &MockProfiles{onFetch: func(fetchCtx context.Context) error {
		cancel()
		<-fetchCtx.Done()
		return fetchCtx.Err()
	}}
	s := newScanner(members, profiles, trustRules(), actor, fastOptions)

	report, err := s.Scan(ctx, "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 1, profiles.calls)
	assert.Zero(t, report.Summary.Evaluated, "the aborted member is not evaluated thin")
	assert.Empty(t, report.Results)
	assert.Zero(t, actor.count())
}

func TestScan_CancelMidPageEvaluatesNoFurtherMembers(t *testing.T) {
	members := &MockMembers{pages: []int{100}, thin: true}
	actor := &MockActor{status: executor.StatusExecuted}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the first fetch succeeds, then the scan is cancelled
	profiles := &MockProfiles{onFetch: func(context.Context) error {
		cancel()
		return nil
	}}
	s := newScanner(members, profiles, trustRules(), actor, fastOptions)

	report, err := s.scan(ctx, "grp_1")

	require.NoError(t, err)
	assert.Equal(t, 1, profiles.calls)
	assert.Equal(t, 1, report.Summary.Evaluated)
	assert.Empty(t, report.Results, "the enriched member is known")
	assert.Zero(t, actor.count())
}

func TestScan_SharedRunSurvivesOneCallerCancelling(t *testing.T) {
	members := &MockMembers{pages: []int{10}, block: make(chan struct{})}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	type scanResult struct {
		report Report
		err    error
	}
	firstDone := make(chan scanResult, 1)
	secondDone := make(chan scanResult, 1)
	go func() {
		r, err := s.Scan(first, "grp_1")
		firstDone <- scanResult{r, err}
	}()
	go func() {
		r, err := s.Scan(context.Background(), "grp_1")
		secondDone <- scanResult{r, err}
	}()

	require.Eventually(t, func() bool { return s.waiting("grp_1") == 2 }, time.Second, time.Millisecond)

	cancelFirst()
	select {
	case res := <-firstDone:
		assert.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(members.block)
	select {
	case res := <-secondDone:
		require.NoError(t, res.err)
		assert.Equal(t, 10, res.report.Summary.Evaluated)
	case <-time.After(time.Second):
		t.Fatal("remaining caller did not get its report")
	}
	assert.Equal(t, 1, members.fetches)
	assert.Zero(t, s.waiting("grp_1"))
}

// waiting returns the number of callers on the group's running scan
func (s *Scanner) waiting(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flights[groupID]; ok {
		return f.waiters
	}
	return 0
}

func TestScan_ConcurrentScansShareRun(t *testing.T) {
	members := &MockMembers{pages: []int{10}, block: make(chan struct{})}
	rules := &MockRules{rules: []types.Rule{spamRule(types.ActionReject)}}
	s := newScanner(members, nil, rules, nil, fastOptions)

	var started atomic.Int32
	var wg sync.WaitGroup
	reports := make([]Report, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Add(1)
			reports[i], _ = s.Scan(context.Background(), "grp_1")
		}(i)
	}

	for started.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(members.block)
	wg.Wait()

	assert.Equal(t, 1, members.fetches)
	assert.Equal(t, reports[0].Summary.ScanID, reports[1].Summary.ScanID)
}

func TestPreview(t *testing.T) {
	rules := &MockRules{
		rules: []types.Rule{spamRule(types.ActionAutoBlock)},
		cfg:   types.GroupConfig{EnableAutoBan: true},
	}
	actor := &MockActor{status: executor.StatusExecuted}
	profiles := &MockProfiles{bio: "spam spam"}
	s := newScanner(&MockMembers{}, profiles, rules, actor, fastOptions)
	ctx := context.Background()

	flagged, err := s.Preview(ctx, "grp_1", types.CandidateProfile{ID: "usr_1", DisplayName: "new"})
	require.NoError(t, err)
	assert.Equal(t, types.ScanViolation, flagged.Action)
	assert.Equal(t, "No spam", flagged.RuleName)
	assert.Empty(t, actor.requests, "preview never executes")

	clean, err := s.Preview(ctx, "grp_1", types.CandidateProfile{ID: "usr_2", DisplayName: "ok", Bio: types.StringPtr(""), Tags: []string{}})
	require.NoError(t, err)
	assert.Equal(t, types.ScanAllowed, clean.Action)
	assert.Empty(t, clean.RuleName)
}
