// Package config loads protection rules from YAML.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vahti/types"
)

// RuleSet is the parsed rule file
type RuleSet struct {
	Version string                `yaml:"version"`
	Groups  map[string]GroupRules `yaml:"groups"`
}

// GroupRules holds the rules and settings of one protected group
type GroupRules struct {
	EnableAutoBan bool       `yaml:"enable_auto_ban"`
	Rules         []RuleSpec `yaml:"rules"`
}

// RuleSpec is the YAML form of a rule. Config keeps any of the accepted
// keyword encodings: a string, a list or a mapping.
type RuleSpec struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	Enabled   *bool     `yaml:"enabled"`
	Type      string    `yaml:"type"`
	Action    string    `yaml:"action"`
	Config    yaml.Node `yaml:"config"`
	CreatedAt time.Time `yaml:"created_at"`
}

// snapshot is what GetRules reads; it is replaced wholesale on reload
type snapshot struct {
	rules   map[string][]types.Rule
	configs map[string]types.GroupConfig
	loaded  time.Time
}

// RuleFile is a reloadable, file-backed rule source
type RuleFile struct {
	path    string
	current atomic.Pointer[snapshot]
	reload  sync.Mutex
}

// LoadRuleFile reads and parses a rule file
func LoadRuleFile(path string) (*RuleFile, error) {
	rf := &RuleFile{path: path}
	if err := rf.Reload(); err != nil {
		return nil, err
	}
	return rf, nil
}

// NewRuleFile builds an in-memory source from a parsed rule set
func NewRuleFile(set *RuleSet) (*RuleFile, error) {
	snap, err := set.compile()
	if err != nil {
		return nil, err
	}
	rf := &RuleFile{}
	rf.current.Store(snap)
	return rf, nil
}

// Reload re-reads the file and swaps in the new rules. On error the
// previous rules stay active.
func (rf *RuleFile) Reload() error {
	rf.reload.Lock()
	defer rf.reload.Unlock()

	if rf.path == "" {
		return fmt.Errorf("rule file has no path")
	}

	set, err := ParseRuleSet(rf.path)
	if err != nil {
		return err
	}
	snap, err := set.compile()
	if err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	rf.current.Store(snap)
	return nil
}

// GetRules returns the group's rules in file order
func (rf *RuleFile) GetRules(groupID string) []types.Rule {
	snap := rf.current.Load()
	if snap == nil {
		return nil
	}
	return snap.rules[groupID]
}

// GetGroupConfig returns the group's settings
func (rf *RuleFile) GetGroupConfig(groupID string) types.GroupConfig {
	snap := rf.current.Load()
	if snap == nil {
		return types.GroupConfig{}
	}
	return snap.configs[groupID]
}

// Groups lists the configured group ids
func (rf *RuleFile) Groups() []string {
	snap := rf.current.Load()
	if snap == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(snap.configs))
}

// LoadedAt returns when the active rules were compiled
func (rf *RuleFile) LoadedAt() time.Time {
	snap := rf.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.loaded
}

// ParseRuleSet reads a rule file without compiling it
func ParseRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule file: %w", err)
	}

	return &set, nil
}

// Validate checks structure. A rule with a malformed config is valid here;
// it simply never matches.
func (s *RuleSet) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("version is required")
	}
	for groupID, group := range s.Groups {
		if groupID == "" {
			return fmt.Errorf("group id is required")
		}
		seen := make(map[string]bool, len(group.Rules))
		for i, r := range group.Rules {
			if r.ID == "" {
				return fmt.Errorf("group %s: rule %d: id is required", groupID, i)
			}
			if seen[r.ID] {
				return fmt.Errorf("group %s: duplicate rule id %s", groupID, r.ID)
			}
			seen[r.ID] = true
			if err := validateKinds(r); err != nil {
				return fmt.Errorf("group %s: rule %s: %w", groupID, r.ID, err)
			}
		}
	}
	return nil
}

func validateKinds(r RuleSpec) error {
	switch types.RuleType(r.Type) {
	case types.RuleKeywordBlock, types.RuleTrustCheck:
	default:
		return fmt.Errorf("unknown type %q", r.Type)
	}
	switch types.ActionType(r.Action) {
	case types.ActionReject, types.ActionAutoBlock, types.ActionNotifyOnly:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// ConfigProblems lists rules whose config will never match
func (s *RuleSet) ConfigProblems() []string {
	var problems []string
	for groupID, group := range s.Groups {
		for _, spec := range group.Rules {
			rule, err := spec.toRule()
			if err != nil {
				problems = append(problems, fmt.Sprintf("group %s: rule %s: %v", groupID, spec.ID, err))
				continue
			}
			if rule.ConfigErr != nil {
				problems = append(problems, fmt.Sprintf("group %s: rule %s: %v", groupID, spec.ID, rule.ConfigErr))
			}
		}
	}
	return problems
}

func (s *RuleSet) compile() (*snapshot, error) {
	snap := &snapshot{
		rules:   make(map[string][]types.Rule, len(s.Groups)),
		configs: make(map[string]types.GroupConfig, len(s.Groups)),
		loaded:  time.Now().UTC(),
	}
	for groupID, group := range s.Groups {
		rules := make([]types.Rule, 0, len(group.Rules))
		for _, spec := range group.Rules {
			rule, err := spec.toRule()
			if err != nil {
				return nil, fmt.Errorf("group %s: rule %s: %w", groupID, spec.ID, err)
			}
			rules = append(rules, rule)
		}
		snap.rules[groupID] = rules
		snap.configs[groupID] = types.GroupConfig{EnableAutoBan: group.EnableAutoBan}
	}
	return snap, nil
}

// toRule converts the YAML config node to the persisted JSON form
func (r RuleSpec) toRule() (types.Rule, error) {
	var raw json.RawMessage
	if !r.Config.IsZero() {
		var v any
		if err := r.Config.Decode(&v); err != nil {
			return types.Rule{}, fmt.Errorf("decode config: %w", err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return types.Rule{}, fmt.Errorf("encode config: %w", err)
		}
		raw = data
	}

	rule := types.NewRule(r.ID, r.Name, types.RuleType(r.Type), types.ActionType(r.Action), raw)
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	if !r.CreatedAt.IsZero() {
		rule.CreatedAt = r.CreatedAt
	}
	return rule, nil
}
