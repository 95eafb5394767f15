// Package rest is a JSON-over-HTTP platform client.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/types"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "vahti/1.0"
	maxErrorBody     = 512
)

func init() {
	providers.RegisterPlatform("rest", func(cfg providers.PlatformConfig) (providers.Platform, error) {
		return New(cfg)
	})
}

// Client talks to the platform REST API
type Client struct {
	baseURL   *url.URL
	token     string
	userAgent string
	http      *http.Client
}

// New creates a client
func New(cfg providers.PlatformConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest: parse base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		baseURL:   base,
		token:     cfg.Token,
		userAgent: ua,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// Name implements providers.Platform
func (c *Client) Name() string { return "rest" }

// FetchGroupMembersPage implements providers.MemberSource
func (c *Client) FetchGroupMembersPage(ctx context.Context, groupID string, pageSize, offset int) ([]types.CandidateProfile, bool, error) {
	q := url.Values{}
	q.Set("n", strconv.Itoa(pageSize))
	q.Set("offset", strconv.Itoa(offset))

	var members []types.CandidateProfile
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/members", q, nil, &members); err != nil {
		return nil, false, fmt.Errorf("fetch members of %s at offset %d: %w", groupID, offset, err)
	}
	return members, len(members) >= pageSize, nil
}

// FetchFullProfile implements providers.ProfileFetcher
func (c *Client) FetchFullProfile(ctx context.Context, userID string) (types.CandidateProfile, error) {
	var profile types.CandidateProfile
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil, &profile); err != nil {
		return types.CandidateProfile{}, fmt.Errorf("fetch profile %s: %w", userID, err)
	}
	return profile, nil
}

// BanMember implements providers.Banner
func (c *Client) BanMember(ctx context.Context, groupID, userID string) error {
	body := struct {
		UserID string `json:"userId"`
	}{UserID: userID}
	if err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/bans", nil, body, nil); err != nil {
		return fmt.Errorf("ban %s from %s: %w", userID, groupID, err)
	}
	return nil
}

// ListOccupants implements providers.OccupantLister
func (c *Client) ListOccupants(ctx context.Context) ([]types.CandidateProfile, error) {
	var occupants []types.CandidateProfile
	if err := c.do(ctx, http.MethodGet, "/instance/occupants", nil, nil, &occupants); err != nil {
		return nil, fmt.Errorf("list occupants: %w", err)
	}
	return occupants, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.baseURL
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// 403 is a refusal of this call (a moderator target, say), not a lost session
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return providers.ErrNotAuthenticated
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
