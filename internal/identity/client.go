// internal/identity/client.go
// Package identity provides a client for the identity service that owns the
// username to region mapping.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalapi/signal-service/internal/storage"
)

// Client resolves user regions through the identity service.
// It implements storage.RegionDirectory.
type Client struct {
	base string       // Base URL of the identity service
	hc   *http.Client // HTTP client with custom configuration
}

// Record is the identity service's view of a user.
type Record struct {
	Username string `json:"username"`
	Region   string `json:"region"`
}

var _ storage.RegionDirectory = (*Client)(nil)

// New creates a new identity client with the specified base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// GetRegionForUser returns the region of username.
// It returns storage.ErrNotFound when the user is unknown or has no region.
// Names that cannot be a single path segment are never sent.
func (c *Client) GetRegionForUser(ctx context.Context, username string) (string, error) {
	if !validUsername(username) {
		return "", storage.ErrNotFound
	}
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("invalid identity URL: %w", err)
	}
	u = u.JoinPath("users", url.PathEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return "", fmt.Errorf("failed to decode identity record: %w", err)
		}
		if rec.Region == "" {
			return "", storage.ErrNotFound
		}
		return rec.Region, nil
	case http.StatusNotFound:
		return "", storage.ErrNotFound
	default:
		return "", fmt.Errorf("identity lookup failed: %s", resp.Status)
	}
}

// validUsername reports whether username is usable as one path segment
func validUsername(username string) bool {
	if username == "" || username == "." || username == ".." {
		return false
	}
	return !strings.ContainsAny(username, "/\\")
}
