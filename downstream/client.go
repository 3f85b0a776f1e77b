// Package downstream issues authenticated requests against the downstream
// authorization service's SCIM endpoint.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/marcelom97/scimbridge/scim"
)

// TokenSource supplies bearer tokens for outbound calls
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Error is a non-2xx response from the downstream API
type Error struct {
	Status int
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("downstream returned status %d: %s", e.Status, e.Detail)
}

// IsStatus reports whether err is a downstream *Error with the given status
func IsStatus(err error, status int) bool {
	var derr *Error
	if !errors.As(err, &derr) {
		return false
	}
	return derr.Status == status
}

// Client wraps the downstream user API. Every request carries a bearer token
// from the token source; an authorization failure triggers exactly one
// forced refresh and retry, after which a second 401 is surfaced to the
// caller.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

// NewClient creates a downstream client. timeout bounds each outbound call;
// zero means 30 seconds. logger may be nil.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

// CreateUser creates a user downstream
func (c *Client) CreateUser(ctx context.Context, user *User) (*User, error) {
	var created User
	if err := c.do(ctx, http.MethodPost, "/Users", user, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetUser fetches a user by its downstream id
func (c *Client) GetUser(ctx context.Context, downstreamID string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/Users/"+url.PathEscape(downstreamID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ReplaceUser replaces a user's full representation
func (c *Client) ReplaceUser(ctx context.Context, downstreamID string, user *User) (*User, error) {
	var replaced User
	if err := c.do(ctx, http.MethodPut, "/Users/"+url.PathEscape(downstreamID), user, &replaced); err != nil {
		return nil, err
	}
	return &replaced, nil
}

// PatchUser applies a SCIM patch to a downstream user
func (c *Client) PatchUser(ctx context.Context, downstreamID string, patch *scim.PatchOp) error {
	return c.do(ctx, http.MethodPatch, "/Users/"+url.PathEscape(downstreamID), patch, nil)
}

// DeleteUser deletes a downstream user
func (c *Client) DeleteUser(ctx context.Context, downstreamID string) error {
	return c.do(ctx, http.MethodDelete, "/Users/"+url.PathEscape(downstreamID), nil, nil)
}

// FindUserByUsername searches the downstream list endpoint with a username
// equality filter. No match is not an error: both an empty result and a 404
// return (nil, nil).
func (c *Client) FindUserByUsername(ctx context.Context, userName string) (*User, error) {
	filter := fmt.Sprintf("userName eq %q", userName)
	path := "/Users?" + url.Values{"filter": []string{filter}}.Encode()

	var list scim.ListResponse[*User]
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if len(list.Resources) == 0 {
		return nil, nil
	}
	return list.Resources[0], nil
}

// do performs one authenticated request. On a 401 it forces a token refresh
// and retries the request exactly once; a 401 on the retried request is
// terminal.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}

	status, respBody, err := c.send(ctx, method, path, body, tok)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		c.logger.Warn("downstream rejected access token, forcing refresh",
			"method", method,
			"path", path,
		)
		tok, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh access token: %w", err)
		}
		status, respBody, err = c.send(ctx, method, path, body, tok)
		if err != nil {
			return err
		}
	}

	if status < 200 || status > 299 {
		return &Error{
			Status: status,
			Detail: extractDetail(respBody, status),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode downstream response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/scim+json, application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/scim+json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("downstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read downstream response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// extractDetail pulls a human-readable message out of an error body,
// falling back to the HTTP status text when the body isn't parseable.
func extractDetail(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		for _, key := range []string{"detail", "error_description", "error", "message"} {
			if v := gjson.GetBytes(body, key); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	return http.StatusText(status)
}
