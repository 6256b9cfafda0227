package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marzguard/backend/internal/database"
)

// Sub-entity status values as reported by the panel
const (
	StatusActive   = "active"
	StatusLimited  = "limited"
	StatusDisabled = "disabled"
)

// AdminRef names the admin account that owns a sub-entity. Depending on the
// panel version the field arrives as a bare username string or as an object.
type AdminRef struct {
	Username string `json:"username"`
}

func (a *AdminRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.Username)
	}
	type ref AdminRef
	var r ref
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*a = AdminRef(r)
	return nil
}

// SubEntity is one end-user account scoped to an admin panel
type SubEntity struct {
	Username            string   `json:"username"`
	Status              string   `json:"status"`
	Admin               AdminRef `json:"admin"`
	UsedTraffic         int64    `json:"used_traffic"`
	LifetimeUsedTraffic int64    `json:"lifetime_used_traffic"`
	DataLimit           *int64   `json:"data_limit"`
	ExpireAt            *int64   `json:"expire"` // unix seconds, nil = never
}

// TotalUsage returns the sub-entity's full consumption including traffic
// from before usage resets
func (s SubEntity) TotalUsage() int64 {
	return s.UsedTraffic + s.LifetimeUsedTraffic
}

// AuthenticationError means the panel rejected the account's credentials
type AuthenticationError struct {
	Username string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("panel authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// APIError is a transient transport or server-side failure; callers retry
// on the next cycle
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("panel api %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("panel api %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Client talks to the remote panel's HTTP API on behalf of one account.
// The engine holds one sudo client plus short-lived per-panel clients
// created through ForAccount.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	token    string
}

// NewClient creates a panel API client for the given account
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// ForAccount returns a client against the same panel authenticated as a
// different account (used to evaluate a panel with its own credentials)
func (c *Client) ForAccount(username, secret string) *Client {
	return &Client{
		baseURL:  c.baseURL,
		username: username,
		password: secret,
		http:     c.http,
	}
}

// Authenticate obtains a bearer token for the account. Cached tokens are
// reused until the remote rejects them.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	if cached := database.GetCachedPanelToken(c.username); cached != "" {
		c.token = cached
		return nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return &APIError{Op: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		var data struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(body, &data); err != nil || data.AccessToken == "" {
			return &AuthenticationError{Username: c.username, Err: fmt.Errorf("no access_token in response")}
		}
		c.token = data.AccessToken
		database.SetCachedPanelToken(c.username, c.token)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		return &AuthenticationError{Username: c.username, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))}
	default:
		return &APIError{Op: "token", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(body))}
	}
}

// ListSubEntities returns the sub-entities visible to scopeUsername
func (c *Client) ListSubEntities(ctx context.Context, scopeUsername string) ([]SubEntity, error) {
	endpoint := c.baseURL + "/api/users"
	if scopeUsername != "" {
		endpoint += "?admin=" + url.QueryEscape(scopeUsername)
	}

	body, err := c.doJSON(ctx, http.MethodGet, endpoint, nil, "list users")
	if err != nil {
		return nil, err
	}

	var data struct {
		Users []SubEntity `json:"users"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &APIError{Op: "list users", Err: fmt.Errorf("decode response: %w", err)}
	}
	return data.Users, nil
}

// SetSubEntityStatus sets a sub-entity's status (StatusActive/StatusDisabled)
func (c *Client) SetSubEntityStatus(ctx context.Context, username, status string) error {
	payload := map[string]string{"status": status}
	_, err := c.doJSON(ctx, http.MethodPut,
		c.baseURL+"/api/user/"+url.PathEscape(username), payload, "set user status")
	return err
}

// RotateAdminSecret replaces an admin account's password on the panel
func (c *Client) RotateAdminSecret(ctx context.Context, adminUsername, newSecret string, isSudo bool) error {
	payload := map[string]interface{}{
		"password": newSecret,
		"is_sudo":  isSudo,
	}
	_, err := c.doJSON(ctx, http.MethodPut,
		c.baseURL+"/api/admin/"+url.PathEscape(adminUsername), payload, "rotate admin secret")
	if err == nil {
		// The old token may die with the old secret
		database.InvalidatePanelToken(adminUsername)
	}
	return err
}

// RemoveSubEntity permanently deletes a sub-entity from the panel. Callers
// must donate its consumption to the traffic ledger first.
func (c *Client) RemoveSubEntity(ctx context.Context, username string) error {
	_, err := c.doJSON(ctx, http.MethodDelete,
		c.baseURL+"/api/user/"+url.PathEscape(username), nil, "remove user")
	return err
}

// GetSubEntity fetches a single sub-entity by username
func (c *Client) GetSubEntity(ctx context.Context, username string) (*SubEntity, error) {
	body, err := c.doJSON(ctx, http.MethodGet,
		c.baseURL+"/api/user/"+url.PathEscape(username), nil, "get user")
	if err != nil {
		return nil, err
	}
	var ent SubEntity
	if err := json.Unmarshal(body, &ent); err != nil {
		return nil, &APIError{Op: "get user", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &ent, nil
}

// doJSON performs an authenticated JSON request, re-authenticating once if
// the cached token has gone stale
func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload interface{}, op string) ([]byte, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}

	body, status, err := c.request(ctx, method, endpoint, payload)
	if err != nil {
		return nil, &APIError{Op: op, Err: err}
	}
	if status == http.StatusUnauthorized {
		// Token expired or secret rotated behind our back: retry once fresh
		database.InvalidatePanelToken(c.username)
		c.token = ""
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		body, status, err = c.request(ctx, method, endpoint, payload)
		if err != nil {
			return nil, &APIError{Op: op, Err: err}
		}
	}

	if status < 200 || status >= 300 {
		return nil, &APIError{Op: op, StatusCode: status, Err: fmt.Errorf("%s", truncate(body))}
	}
	return body, nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func truncate(body []byte) string {
	const max = 300
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
