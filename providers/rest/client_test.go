package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(providers.PlatformConfig{BaseURL: srv.URL + "/api", Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestClient_FetchGroupMembersPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/groups/grp_1/members", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("n"))
		assert.Equal(t, "4", r.URL.Query().Get("offset"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode([]types.CandidateProfile{{ID: "usr_1"}, {ID: "usr_2"}})
	})

	members, more, err := c.FetchGroupMembersPage(context.Background(), "grp_1", 2, 4)

	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.True(t, more)
}

func TestClient_ShortPageHasNoMore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]types.CandidateProfile{{ID: "usr_1"}})
	})

	members, more, err := c.FetchGroupMembersPage(context.Background(), "grp_1", 100, 0)

	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.False(t, more)
}

func TestClient_FetchFullProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/usr_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"usr_1","displayName":"Alice","bio":"hi","tags":["system_trust_known"]}`))
	})

	p, err := c.FetchFullProfile(context.Background(), "usr_1")

	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "hi", p.BioText())
	assert.Equal(t, 2, p.TrustIndex())
	assert.False(t, p.NeedsEnrichment())
}

func TestClient_BanMember(t *testing.T) {
	var got struct {
		UserID string `json:"userId"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/groups/grp_1/bans", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.BanMember(context.Background(), "grp_1", "usr_9"))
	assert.Equal(t, "usr_9", got.UserID)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantAuth bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, false},
		{"server error", http.StatusInternalServerError, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := c.ListOccupants(context.Background())

			require.Error(t, err)
			assert.Equal(t, tt.wantAuth, errors.Is(err, providers.ErrNotAuthenticated))
		})
	}
}

func TestClient_ForbiddenBanKeepsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "target is a moderator", http.StatusForbidden)
	})

	err := c.BanMember(context.Background(), "grp_1", "usr_9")

	require.Error(t, err)
	assert.NotErrorIs(t, err, providers.ErrNotAuthenticated)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "target is a moderator")
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(providers.PlatformConfig{})
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	p, err := providers.GetPlatform("rest", providers.PlatformConfig{BaseURL: "http://localhost"})
	require.NoError(t, err)
	assert.Equal(t, "rest", p.Name())
}
