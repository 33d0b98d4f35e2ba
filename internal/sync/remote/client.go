// Package remote is the HTTP client for the fleet server's REST API.
package remote

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

	"github.com/fleetops/fieldsync/internal/models"
)

// DefaultProbePath is the health endpoint used by Ping.
const DefaultProbePath = "/health"

// maxErrorBody bounds how much of an error response is kept in HTTPError.
const maxErrorBody = 4096

// Client issues the create/update/delete/delta-pull calls of the sync protocol.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    TokenSource
	probeURL  string
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets a request timeout. Zero keeps the transport default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			hc := *c.http
			hc.Timeout = d
			c.http = &hc
		}
	}
}

// WithProbeURL overrides the URL Ping requests.
func WithProbeURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.probeURL = u
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for the API rooted at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	base := strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL:   base,
		http:      &http.Client{},
		tokens:    tokens,
		probeURL:  base + DefaultProbePath,
		userAgent: "fieldsync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Create POSTs a new entity and returns the server's stored copy.
// A nil result means the server returned no body.
func (c *Client) Create(ctx context.Context, kind models.EntityKind, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/"+kind.Collection(), payload)
}

// Update PUTs the latest payload for an entity and returns the server's stored copy.
func (c *Client) Update(ctx context.Context, kind models.EntityKind, id string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, entityPath(kind, id), payload)
}

// Delete removes an entity on the server.
func (c *Client) Delete(ctx context.Context, kind models.EntityKind, id string) error {
	_, err := c.do(ctx, http.MethodDelete, entityPath(kind, id), nil)
	return err
}

// Push sends op using the verb its type maps to.
func (c *Client) Push(ctx context.Context, op *models.SyncOperation) (json.RawMessage, error) {
	switch op.Type {
	case models.OperationCreate:
		return c.Create(ctx, op.EntityKind, op.Payload)
	case models.OperationUpdate:
		return c.Update(ctx, op.EntityKind, op.EntityID, op.Payload)
	case models.OperationDelete:
		return nil, c.Delete(ctx, op.EntityKind, op.EntityID)
	}
	return nil, fmt.Errorf("unknown operation type %q", op.Type)
}

// Changes returns the entities of kind updated at or after since (epoch ms).
func (c *Client) Changes(ctx context.Context, kind models.EntityKind, since int64) ([]json.RawMessage, error) {
	path := "/" + kind.Collection() + "?since=" + strconv.FormatInt(since, 10)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s delta: %w", kind.Collection(), err)
	}
	return records, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Any HTTP answer below 500 proves connectivity.
	if resp.StatusCode >= http.StatusInternalServerError {
		return &HTTPError{StatusCode: resp.StatusCode, Method: http.MethodGet, Path: c.probeURL}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func entityPath(kind models.EntityKind, id string) string {
	return "/" + kind.Collection() + "/" + url.PathEscape(id)
}
