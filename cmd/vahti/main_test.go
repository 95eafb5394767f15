package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/scanner"
	"github.com/yairfalse/vahti/types"
)

const testRules = `
version: v1
groups:
  grp_1:
    enable_auto_ban: true
    rules:
      - id: r1
        name: No spam
        type: KEYWORD_BLOCK
        action: AUTO_BLOCK
        config: [spam]
      - id: r2
        name: Broken trust
        type: TRUST_CHECK
        action: REJECT
        config: {}
`

// mockPlatform is registered as the "mock" platform for every test
type mockPlatform struct {
	mu      sync.Mutex
	members []types.CandidateProfile
	bans    []string
}

func (m *mockPlatform) Name() string { return "mock" }

func (m *mockPlatform) FetchGroupMembersPage(_ context.Context, _ string, pageSize, offset int) ([]types.CandidateProfile, bool, error) {
	if offset >= len(m.members) {
		return nil, false, nil
	}
	end := min(offset+pageSize, len(m.members))
	return m.members[offset:end], end < len(m.members), nil
}

func (m *mockPlatform) FetchFullProfile(_ context.Context, userID string) (types.CandidateProfile, error) {
	return types.CandidateProfile{ID: userID}, nil
}

func (m *mockPlatform) BanMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans = append(m.bans, groupID+":"+userID)
	return nil
}

func (m *mockPlatform) ListOccupants(_ context.Context) ([]types.CandidateProfile, error) {
	return nil, nil
}

var testPlatform = &mockPlatform{}

func init() {
	providers.RegisterPlatform("mock", func(providers.PlatformConfig) (providers.Platform, error) {
		return testPlatform, nil
	})
}

func member(id, name string) types.CandidateProfile {
	return types.CandidateProfile{ID: id, DisplayName: name, Bio: types.StringPtr(""), Tags: []string{}}
}

// setup writes a config and rule file and resets the mock platform
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRules), 0o600))

	cfg := fmt.Sprintf(`
[platform]
name = "mock"

[groups]
authorized = ["grp_1"]
active = "grp_1"
rules_file = %q

[scanner]
page_delay = "-1ns"
enrich_delay = "-1ns"

[storage]
path = %q

[journal]
enabled = true
dir = %q

[log]
level = "error"
`, rulesPath, filepath.Join(dir, "data"), filepath.Join(dir, "journal"))

	cfgPath := filepath.Join(dir, "vahti.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	testPlatform = &mockPlatform{}
	return cfgPath
}

// resetFlags clears Changed so required-flag checks see each run fresh
func resetFlags(c *cobra.Command) {
	unset := func(f *pflag.Flag) { f.Changed = false }
	c.Flags().VisitAll(unset)
	c.PersistentFlags().VisitAll(unset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the root command with fresh flag values
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	scanOutput = "table"
	checkUser, checkName, checkBio, checkStatus, checkPronouns = "", "", "", "", ""
	checkTags = nil
	checkPreview = false
	checkOutput = "text"
	auditGroup, auditUser, auditModule = "", "", ""
	auditLimit = 50
	auditSince = 0
	auditOutput = "table"
	auditYes = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRulesValidate(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "rules", "validate", "-c", cfgPath)

	require.NoError(t, err)
	assert.Contains(t, out, "grp_1: 2 rules (auto-ban true)")
	assert.Contains(t, out, "warning: group grp_1: rule r2")
	assert.Contains(t, out, "is valid")
}

func TestRulesValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\ngroups:\n  g:\n    rules:\n      - id: a\n        type: NOPE\n        action: REJECT\n"), 0o600))

	_, err := run(t, "rules", "validate", path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "NOPE"`)
}

func TestCheck_ActsAndAudits(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "check", "grp_1", "-c", cfgPath, "--user", "usr_2", "--name", "spam bot")
	require.NoError(t, err)
	assert.Equal(t, "usr_2: AUTO_BLOCK by rule \"No spam\": Keyword: \"spam\"\n", out)
	assert.Equal(t, []string{"grp_1:usr_2"}, testPlatform.bans)

	out, err = run(t, "audit", "list", "-c", cfgPath, "-o", "json")
	require.NoError(t, err)
	var entries []types.AuditLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "usr_2", entries[0].UserID)
	assert.Equal(t, types.ModuleLiveCheck, entries[0].Module)

	out, err = run(t, "journal", "pending", "-c", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "No pending actions\n", out)

	out, err = run(t, "journal", "stats", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Files:    1")
}

func TestCheck_Allow(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "check", "grp_1", "-c", cfgPath, "--user", "usr_1", "--name", "friend")

	require.NoError(t, err)
	assert.Equal(t, "usr_1: ALLOW\n", out)
	assert.Empty(t, testPlatform.bans)
}

func TestCheck_Preview(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "check", "grp_1", "-c", cfgPath, "--user", "usr_2", "--bio", "spam", "--preview")

	require.NoError(t, err)
	assert.Contains(t, out, `would be flagged by rule "No spam"`)
	assert.Empty(t, testPlatform.bans)

	out, err = run(t, "audit", "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "No audit entries\n", out)
}

func TestCheck_RequiresUser(t *testing.T) {
	cfgPath := setup(t)

	_, err := run(t, "check", "grp_1", "-c", cfgPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestScan(t *testing.T) {
	cfgPath := setup(t)
	testPlatform.members = []types.CandidateProfile{
		member("usr_1", "friend"),
		member("usr_2", "spam bot"),
		member("usr_3", "neighbour"),
	}

	out, err := run(t, "scan", "grp_1", "-c", cfgPath, "-o", "json")
	require.NoError(t, err)

	var report scanner.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Summary.Evaluated)
	assert.Equal(t, 1, report.Summary.Flagged)
	assert.Equal(t, 1, report.Summary.Banned)
	require.Len(t, report.Results, 1)
	assert.Equal(t, types.ScanBanned, report.Results[0].Action)
	assert.Equal(t, []string{"grp_1:usr_2"}, testPlatform.bans)
}

func TestScan_Table(t *testing.T) {
	cfgPath := setup(t)
	testPlatform.members = []types.CandidateProfile{member("usr_1", "friend")}

	out, err := run(t, "scan", "grp_1", "-c", cfgPath)

	require.NoError(t, err)
	assert.Contains(t, out, "Scanned 1 members of grp_1")
	assert.Contains(t, out, "No violations found")
}

func TestAuditExport_Stdout(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "check", "grp_1", "-c", cfgPath, "--user", "usr_2", "--name", "spam")
	require.NoError(t, err)
	_, err = run(t, "check", "grp_1", "-c", cfgPath, "--user", "usr_3", "--name", "more spam")
	require.NoError(t, err)

	out, err := run(t, "audit", "export", "-c", cfgPath, "--group", "grp_1")
	require.NoError(t, err)

	var ids []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var e types.AuditLogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		ids = append(ids, e.UserID)
	}
	assert.ElementsMatch(t, []string{"usr_2", "usr_3"}, ids)
}

func TestAuditClear(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "check", "grp_1", "-c", cfgPath, "--user", "usr_2", "--name", "spam")
	require.NoError(t, err)

	_, err = run(t, "audit", "clear", "-c", cfgPath)
	require.Error(t, err)

	out, err := run(t, "audit", "clear", "-c", cfgPath, "--yes")
	require.NoError(t, err)
	assert.Equal(t, "Audit history cleared\n", out)

	out, err = run(t, "audit", "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "No audit entries\n", out)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := run(t, "journal", "pending", "-c", filepath.Join(t.TempDir(), "nope.toml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ääää...", truncate("äääääääääää", 7))
}
