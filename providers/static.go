package providers

import (
	"context"
	"sync"
)

// StaticAuthorizer authorizes a fixed set of groups
type StaticAuthorizer struct {
	mu     sync.RWMutex
	groups map[string]bool
}

// NewStaticAuthorizer authorizes the given groups
func NewStaticAuthorizer(groupIDs ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{groups: make(map[string]bool, len(groupIDs))}
	for _, id := range groupIDs {
		a.groups[id] = true
	}
	return a
}

// IsGroupAuthorized implements Authorizer
func (a *StaticAuthorizer) IsGroupAuthorized(_ context.Context, groupID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groups[groupID]
}

// Revoke removes a group
func (a *StaticAuthorizer) Revoke(groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.groups, groupID)
}

// Grant adds a group
func (a *StaticAuthorizer) Grant(groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups[groupID] = true
}

// StaticResolver resolves a configurable active group
type StaticResolver struct {
	mu      sync.RWMutex
	groupID string
}

// NewStaticResolver creates a resolver; an empty id means no active group
func NewStaticResolver(groupID string) *StaticResolver {
	return &StaticResolver{groupID: groupID}
}

// GetActiveGroupID implements GroupResolver
func (r *StaticResolver) GetActiveGroupID(_ context.Context) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groupID, r.groupID != ""
}

// Set changes the active group
func (r *StaticResolver) Set(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupID = groupID
}
