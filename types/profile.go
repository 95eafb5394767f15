package types

import "strings"

// CandidateProfile is a member or prospective joiner under evaluation.
// Bio and Tags are nil when the source did not supply them.
type CandidateProfile struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	Bio                   *string  `json:"bio,omitempty"`
	Status                string   `json:"status,omitempty"`
	StatusDescription     string   `json:"statusDescription,omitempty"`
	Pronouns              string   `json:"pronouns,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	AgeVerificationStatus string   `json:"ageVerificationStatus,omitempty"`
}

// NeedsEnrichment reports whether rule-relevant fields are missing
func (p CandidateProfile) NeedsEnrichment() bool {
	return p.Bio == nil || p.Tags == nil
}

// BioText returns the bio or an empty string
func (p CandidateProfile) BioText() string {
	if p.Bio == nil {
		return ""
	}
	return *p.Bio
}

// HasTag checks for an exact tag
func (p CandidateProfile) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Trust tiers, lowest first
var TrustTiers = []string{"visitor", "basic", "known", "trusted", "veteran", "legend"}

// TrustTagPrefix prefixes trust tier tags, e.g. system_trust_known
const TrustTagPrefix = "system_trust_"

// TierIndex returns the index of a tier name (case-insensitive) or -1
func TierIndex(tier string) int {
	tier = strings.ToLower(strings.TrimSpace(tier))
	for i, t := range TrustTiers {
		if t == tier {
			return i
		}
	}
	return -1
}

// TrustIndex returns the highest tier index among the profile's tags, or -1
// when the profile carries no recognized tier tag
func (p CandidateProfile) TrustIndex() int {
	best := -1
	for _, tag := range p.Tags {
		name, ok := strings.CutPrefix(strings.ToLower(tag), TrustTagPrefix)
		if !ok {
			continue
		}
		if idx := TierIndex(name); idx > best {
			best = idx
		}
	}
	return best
}

// StringPtr is a helper for optional profile fields
func StringPtr(s string) *string {
	return &s
}
