// Package delivery talks to the SIEM ingestion service.
//
// The Client performs the three remote operations of the agent: Register,
// Upload and Heartbeat. It holds no credentials of its own; every call takes
// the agent Identity explicitly, so a single Client is safe for concurrent use
// and trivially testable against an httptest server.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds every request so a hung upload cannot stall the agent loop.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent is sent with every request.
	DefaultUserAgent = "cef-agent/1.0"

	// StatusActive is the status reported at registration.
	StatusActive = "Active"

	maxErrorBody = 64 * 1024
)

// Identity is the set of credentials established at registration.
type Identity struct {
	AgentID   string `json:"agent_id"`
	APIKey    string `json:"api_key"`
	HostID    string `json:"host_id"`
	AccountID string `json:"account_id"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	HostID    string `json:"host_id"`
	AccountID string `json:"account_id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Status    string `json:"status"`
}

// RegisterResponse is the body returned by a successful registration.
type RegisterResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	APIKey    string `json:"api_key"`
	AgentID   string `json:"agent_id,omitempty"`
	HostID    string `json:"host_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// Client performs delivery operations against one ingestion endpoint.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout. A client passed with
// WithHTTPClient is copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.http
			hc.Timeout = d
			c.http = &hc
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a Client for the service rooted at baseURL
// (for example http://localhost:4200/backend/agent).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register announces this host to the service and returns the new identity.
// It is never retried; a non-2xx answer yields a *RegistrationRejectedError.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Identity, error) {
	if req.Status == "" {
		req.Status = StatusActive
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal registration: %w", err)
	}

	resp, err := c.post(ctx, "/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return Identity{}, &RegistrationRejectedError{
			StatusCode: resp.StatusCode,
			Details:    strings.TrimSpace(readErrorBody(resp.Body)),
		}
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Identity{}, fmt.Errorf("%w: decode registration response: %w", ErrTransport, err)
	}
	if out.APIKey == "" {
		return Identity{}, &RegistrationRejectedError{
			StatusCode: resp.StatusCode,
			Details:    "response did not include an api_key",
		}
	}

	return Identity{
		AgentID:   out.AgentID,
		APIKey:    out.APIKey,
		HostID:    req.HostID,
		AccountID: req.AccountID,
	}, nil
}

// Upload sends the full contents of the file at path.
//
// The file is read completely on every call. ErrIORead is returned when the
// file is gone or unreadable, which is common since events race with writers.
func (c *Client) Upload(ctx context.Context, path string, id Identity) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrIORead, path, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}

	fields := []struct{ name, value string }{
		{"account_id", id.AccountID},
		{"host_id", id.HostID},
		{"api_key", id.APIKey},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("write field %s: %w", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	resp, err := c.post(ctx, "/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkResponse("upload", resp)
}

// Heartbeat proves liveness to the service.
func (c *Client) Heartbeat(ctx context.Context, id Identity) error {
	body, err := json.Marshal(HeartbeatRequest{
		APIKey:    id.APIKey,
		AgentID:   id.AgentID,
		HostID:    id.HostID,
		AccountID: id.AccountID,
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	resp, err := c.post(ctx, "/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkResponse("heartbeat", resp)
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %w", ErrTransport, endpoint, err)
	}
	return resp, nil
}

func checkResponse(op string, resp *http.Response) error {
	if !isSuccess(resp.StatusCode) {
		return &RejectedError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("%w: drain %s response: %w", ErrTransport, op, err)
	}
	return nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(data)
}
