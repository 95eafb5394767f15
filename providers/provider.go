// Package providers defines the capabilities the engine needs from the
// hosting platform and from persistence.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/vahti/types"
)

// ErrNotAuthenticated means the platform client has no valid session.
// It is the only remote error that is surfaced to callers.
var ErrNotAuthenticated = errors.New("remote client not authenticated")

// MemberSource pages through a group's member list
type MemberSource interface {
	// FetchGroupMembersPage returns one page and whether more pages exist
	FetchGroupMembersPage(ctx context.Context, groupID string, pageSize, offset int) ([]types.CandidateProfile, bool, error)
}

// ProfileFetcher loads a complete profile
type ProfileFetcher interface {
	FetchFullProfile(ctx context.Context, userID string) (types.CandidateProfile, error)
}

// Banner bans a user from a group
type Banner interface {
	BanMember(ctx context.Context, groupID, userID string) error
}

// OccupantLister lists the users currently present in the active instance
type OccupantLister interface {
	ListOccupants(ctx context.Context) ([]types.CandidateProfile, error)
}

// Authorizer reports whether the engine may act on a group
type Authorizer interface {
	IsGroupAuthorized(ctx context.Context, groupID string) bool
}

// GroupResolver returns the group currently under live protection
type GroupResolver interface {
	GetActiveGroupID(ctx context.Context) (string, bool)
}

// AuditSink appends audit entries
type AuditSink interface {
	Append(ctx context.Context, entry types.AuditLogEntry) error
}

// AuditReader queries audit entries, newest first
type AuditReader interface {
	Query(ctx context.Context, filter types.AuditFilter) ([]types.AuditLogEntry, error)
}

// AuditClearer deletes audit history
type AuditClearer interface {
	Clear(ctx context.Context) error
}

// RuleSource provides rules and settings per group
type RuleSource interface {
	GetRules(groupID string) []types.Rule
	GetGroupConfig(groupID string) types.GroupConfig
}

// Notifier publishes violations to an outbound channel
type Notifier interface {
	Notify(ctx context.Context, v types.Violation) error
}

// Platform bundles the remote capabilities of a hosting platform
type Platform interface {
	MemberSource
	ProfileFetcher
	Banner
	OccupantLister
	Name() string
}

// PlatformConfig holds platform client settings
type PlatformConfig struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// PlatformFactory creates a platform client
type PlatformFactory func(cfg PlatformConfig) (Platform, error)

var (
	platformsMu sync.RWMutex
	platforms   = make(map[string]PlatformFactory)
)

// RegisterPlatform registers a platform factory under name
func RegisterPlatform(name string, factory PlatformFactory) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	platforms[name] = factory
}

// GetPlatform creates a platform client by name
func GetPlatform(name string, cfg PlatformConfig) (Platform, error) {
	platformsMu.RLock()
	factory, exists := platforms[name]
	platformsMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("platform %s not found", name)
	}
	return factory(cfg)
}

// ListPlatforms returns registered platform names, sorted
func ListPlatforms() []string {
	platformsMu.RLock()
	defer platformsMu.RUnlock()

	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
