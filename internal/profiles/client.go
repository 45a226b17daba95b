// Package profiles fetches passenger and driver profile snapshots.
// Lookups are best-effort: dispatch never blocks on a missing profile.
package profiles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dispatch-service/internal/events"
)

// Client talks to the identity/profile service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

// User returns the passenger profile, or a bare ID-only profile on any error.
func (c *Client) User(ctx context.Context, userID string) events.Profile {
	return c.fetch(ctx, "/users/", userID)
}

// Driver returns the driver profile, or a bare ID-only profile on any error.
func (c *Client) Driver(ctx context.Context, driverID string) events.Profile {
	return c.fetch(ctx, "/drivers/", driverID)
}

func (c *Client) fetch(ctx context.Context, path, id string) events.Profile {
	fallback := events.Profile{ID: id}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+url.PathEscape(id), nil)
	if err != nil {
		return fallback
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback
	}

	var p events.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return fallback
	}
	if p.ID == "" {
		p.ID = id
	}
	return p
}
