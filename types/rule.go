package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RuleType identifies the evaluator branch for a rule
type RuleType string

const (
	RuleKeywordBlock RuleType = "KEYWORD_BLOCK"
	RuleTrustCheck   RuleType = "TRUST_CHECK"
)

// ActionType is what the engine does when a rule matches
type ActionType string

const (
	ActionReject     ActionType = "REJECT"
	ActionAutoBlock  ActionType = "AUTO_BLOCK"
	ActionNotifyOnly ActionType = "NOTIFY_ONLY"
)

// IsPunitive reports whether the action requires a remote ban call
func (a ActionType) IsPunitive() bool {
	return a == ActionReject || a == ActionAutoBlock
}

// Rule is an administrator-defined protection rule.
// Rules are read-only to the engine; RawConfig is the persisted JSON payload
// and Config is its decoded form (nil when the payload is malformed).
type Rule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Enabled    bool            `json:"enabled"`
	Type       RuleType        `json:"type"`
	ActionType ActionType      `json:"actionType"`
	RawConfig  json.RawMessage `json:"config,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`

	Config    RuleConfig `json:"-"`
	ConfigErr error      `json:"-"`
}

// UnmarshalJSON decodes a rule and its type-specific config.
// A bad config never fails the rule itself.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Rule(p)
	r.Config, r.ConfigErr = DecodeRuleConfig(r.Type, r.RawConfig)
	return nil
}

// NewRule builds a rule and decodes its config
func NewRule(id, name string, ruleType RuleType, action ActionType, rawConfig json.RawMessage) Rule {
	r := Rule{
		ID:         id,
		Name:       name,
		Enabled:    true,
		Type:       ruleType,
		ActionType: action,
		RawConfig:  rawConfig,
		CreatedAt:  time.Now().UTC(),
	}
	r.Config, r.ConfigErr = DecodeRuleConfig(ruleType, rawConfig)
	return r
}

// RuleConfig is the tagged union of per-type rule configs
type RuleConfig interface {
	RuleType() RuleType
}

// KeywordConfig configures a KEYWORD_BLOCK rule
type KeywordConfig struct {
	Keywords     []string `json:"keywords"`
	Whitelist    []string `json:"whitelist,omitempty"`
	ScanBio      bool     `json:"scanBio"`
	ScanStatus   bool     `json:"scanStatus"`
	ScanPronouns bool     `json:"scanPronouns"`
}

// RuleType implements RuleConfig
func (KeywordConfig) RuleType() RuleType { return RuleKeywordBlock }

// TrustConfig configures a TRUST_CHECK rule
type TrustConfig struct {
	MinTrustLevel string `json:"minTrustLevel"`
}

// RuleType implements RuleConfig
func (TrustConfig) RuleType() RuleType { return RuleTrustCheck }

// keywordWire is the object encoding; pointers distinguish unset flags
type keywordWire struct {
	Keywords     []string `json:"keywords"`
	Whitelist    []string `json:"whitelist"`
	ScanBio      *bool    `json:"scanBio"`
	ScanStatus   *bool    `json:"scanStatus"`
	ScanPronouns *bool    `json:"scanPronouns"`
}

// DecodeRuleConfig decodes raw config for the given rule type.
// KEYWORD_BLOCK accepts three encodings: a bare string, a bare array of
// strings, and an object.
func DecodeRuleConfig(ruleType RuleType, raw json.RawMessage) (RuleConfig, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("rule config is empty")
	}

	switch ruleType {
	case RuleKeywordBlock:
		return decodeKeywordConfig(raw)
	case RuleTrustCheck:
		var cfg TrustConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode trust config: %w", err)
		}
		if cfg.MinTrustLevel == "" {
			return nil, fmt.Errorf("trust config: minTrustLevel is required")
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", ruleType)
	}
}

func decodeKeywordConfig(raw json.RawMessage) (RuleConfig, error) {
	cfg := KeywordConfig{ScanBio: true, ScanStatus: true}

	switch raw[0] {
	case '"':
		var keyword string
		if err := json.Unmarshal(raw, &keyword); err != nil {
			return nil, fmt.Errorf("decode keyword string: %w", err)
		}
		cfg.Keywords = []string{keyword}
	case '[':
		if err := json.Unmarshal(raw, &cfg.Keywords); err != nil {
			return nil, fmt.Errorf("decode keyword list: %w", err)
		}
	case '{':
		var wire keywordWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("decode keyword config: %w", err)
		}
		cfg.Keywords = wire.Keywords
		cfg.Whitelist = wire.Whitelist
		if wire.ScanBio != nil {
			cfg.ScanBio = *wire.ScanBio
		}
		if wire.ScanStatus != nil {
			cfg.ScanStatus = *wire.ScanStatus
		}
		if wire.ScanPronouns != nil {
			cfg.ScanPronouns = *wire.ScanPronouns
		}
	default:
		return nil, fmt.Errorf("unsupported keyword config encoding")
	}

	return cfg, nil
}

// GroupConfig holds per-group engine settings
type GroupConfig struct {
	EnableAutoBan bool `json:"enableAutoBan" yaml:"enable_auto_ban"`
}
