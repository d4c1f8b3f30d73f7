// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker posts resolution results to Yandex Tracker issues over its
// v3 REST API using raw net/http.
//
// The tracker is an optional dependency: FromEnv returns a nil client when
// the environment carries no usable credential pair, and the service keeps
// running without ticket integration.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// DefaultBaseURL is the public Yandex Tracker API endpoint.
const DefaultBaseURL = "https://api.tracker.yandex.net"

// requestTimeout bounds every tracker call. Ticket updates are a side
// channel; they must never hold a resolution response hostage.
const requestTimeout = 15 * time.Second

var (
	// ErrNotConfigured is returned when a client was built without a
	// usable credential/organization pair.
	ErrNotConfigured = errors.New("tracker: client not configured")

	// ErrIssueNotFound is returned when the API answers 404 for an issue
	// key.
	ErrIssueNotFound = errors.New("tracker: issue not found")
)

// =============================================================================
// Credentials and auth modes
// =============================================================================

// Credentials carries the possible Yandex Tracker auth inputs. Two token
// kinds and two organization kinds combine into three supported modes; see
// New for the precedence.
type Credentials struct {
	// OAuthToken authenticates against tracker.yandex.* organizations.
	OAuthToken string

	// IAMToken authenticates Yandex 360 / Cloud organizations.
	IAMToken string

	// OrgID is the plain Tracker organization id (X-Org-ID).
	OrgID string

	// CloudOrgID is the Yandex 360 organization id (X-Cloud-Org-ID).
	CloudOrgID string
}

// authMode selects which Authorization and organization headers a client
// sends.
type authMode int

const (
	authNone authMode = iota

	// authIAMCloud: Authorization: Bearer <iam>, X-Cloud-Org-ID.
	authIAMCloud

	// authOAuthCloud: Authorization: OAuth <token>, X-Cloud-Org-ID.
	authOAuthCloud

	// authOAuthOrg: Authorization: OAuth <token>, X-Org-ID.
	authOAuthOrg
)

func (m authMode) String() string {
	switch m {
	case authIAMCloud:
		return "iam+cloud_org"
	case authOAuthCloud:
		return "oauth+cloud_org"
	case authOAuthOrg:
		return "oauth+org"
	default:
		return "none"
	}
}

// selectMode picks the strongest usable mode: IAM with a cloud org wins,
// then OAuth with a cloud org, then OAuth with a plain org.
func selectMode(creds Credentials) authMode {
	switch {
	case creds.IAMToken != "" && creds.CloudOrgID != "":
		return authIAMCloud
	case creds.OAuthToken != "" && creds.CloudOrgID != "":
		return authOAuthCloud
	case creds.OAuthToken != "" && creds.OrgID != "":
		return authOAuthOrg
	default:
		return authNone
	}
}

// =============================================================================
// Client
// =============================================================================

// Client talks to the Yandex Tracker v3 REST API.
//
// Thread Safety: Client is immutable after construction and safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	mode       authMode
	token      *memguard.Enclave
	orgID      string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used by tests and on-prem
// installations.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Client from explicit credentials.
//
// # Description
//
// The auth mode is chosen by precedence: IAM token + cloud org id, then
// OAuth token + cloud org id, then OAuth token + plain org id. The selected
// token is sealed in a memguard enclave and unsealed per request.
//
// # Outputs
//
//   - *Client: configured client.
//   - error: ErrNotConfigured when no credential pair is usable.
func New(creds Credentials, opts ...Option) (*Client, error) {
	mode := selectMode(creds)
	if mode == authNone {
		return nil, ErrNotConfigured
	}

	token := creds.OAuthToken
	orgID := creds.OrgID
	switch mode {
	case authIAMCloud:
		token = creds.IAMToken
		orgID = creds.CloudOrgID
	case authOAuthCloud:
		orgID = creds.CloudOrgID
	}

	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		mode:       mode,
		token:      memguard.NewEnclave([]byte(token)),
		orgID:      orgID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug("Tracker client initialized", slog.String("auth_mode", mode.String()))
	return c, nil
}

// FromEnv builds a Client from the environment, or (nil, nil) when the
// tracker is not configured.
//
// # Description
//
// Reads YANDEX_TRACKER_TOKEN, YANDEX_TRACKER_IAM_TOKEN,
// YANDEX_TRACKER_ORG_ID, and YANDEX_TRACKER_CLOUD_ORG_ID. A missing or
// unusable combination is not an error: ticket integration is optional and
// the caller treats a nil client as "feature off".
func FromEnv(opts ...Option) (*Client, error) {
	creds := Credentials{
		OAuthToken: os.Getenv("YANDEX_TRACKER_TOKEN"),
		IAMToken:   os.Getenv("YANDEX_TRACKER_IAM_TOKEN"),
		OrgID:      os.Getenv("YANDEX_TRACKER_ORG_ID"),
		CloudOrgID: os.Getenv("YANDEX_TRACKER_CLOUD_ORG_ID"),
	}
	if selectMode(creds) == authNone {
		slog.Debug("Tracker not configured; ticket integration disabled")
		return nil, nil
	}
	return New(creds, opts...)
}

// =============================================================================
// Operations
// =============================================================================

// IssueInput describes a ticket to create. Queue and Summary are required.
type IssueInput struct {
	Queue       string   `json:"queue"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Issue is the subset of the created-issue response the service consumes.
type Issue struct {
	Key     string `json:"key"`
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// Comment is the subset of the created-comment response the service
// consumes.
type Comment struct {
	ID        json.Number `json:"id"`
	Text      string      `json:"text"`
	CreatedAt string      `json:"createdAt"`
}

// issueResponse is the wire shape of POST /v3/issues/. Status arrives as an
// object; only its key survives into Issue.
type issueResponse struct {
	Key     string `json:"key"`
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Status  struct {
		Key     string `json:"key"`
		Display string `json:"display"`
	} `json:"status"`
}

// CreateIssue creates a ticket in the given queue.
//
// # Inputs
//
//   - ctx: request context.
//   - in: ticket fields. Queue and Summary must be non-empty.
//
// # Outputs
//
//   - *Issue: key, id, summary, and status key of the created ticket.
//   - error: validation or wrapped API failure.
func (c *Client) CreateIssue(ctx context.Context, in IssueInput) (*Issue, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(in.Queue) == "" {
		return nil, fmt.Errorf("tracker: issue queue is required")
	}
	if strings.TrimSpace(in.Summary) == "" {
		return nil, fmt.Errorf("tracker: issue summary is required")
	}

	c.logger.InfoContext(ctx, "Creating tracker issue",
		slog.String("queue", in.Queue),
		slog.String("summary", truncateForLog(in.Summary, 50)))

	var resp issueResponse
	if err := c.post(ctx, "/v3/issues/", in, &resp); err != nil {
		return nil, fmt.Errorf("tracker: creating issue: %w", err)
	}

	c.logger.InfoContext(ctx, "Tracker issue created", slog.String("issue", resp.Key))
	return &Issue{
		Key:     resp.Key,
		ID:      resp.ID,
		Summary: resp.Summary,
		Status:  resp.Status.Key,
	}, nil
}

// AddComment appends a comment to an existing ticket.
//
// # Outputs
//
//   - *Comment: id, text, and creation timestamp of the new comment.
//   - error: ErrIssueNotFound when the key does not exist, otherwise a
//     wrapped API failure.
func (c *Client) AddComment(ctx context.Context, issueKey, text string) (*Comment, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(issueKey) == "" {
		return nil, fmt.Errorf("tracker: issue key is required")
	}

	c.logger.InfoContext(ctx, "Adding tracker comment", slog.String("issue", issueKey))

	var comment Comment
	body := map[string]string{"text": text}
	err := c.post(ctx, "/v3/issues/"+issueKey+"/comments", body, &comment)
	if err != nil {
		if errors.Is(err, ErrIssueNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, issueKey)
		}
		return nil, fmt.Errorf("tracker: adding comment to %s: %w", issueKey, err)
	}

	c.logger.InfoContext(ctx, "Tracker comment added", slog.String("issue", issueKey))
	return &comment, nil
}

// =============================================================================
// HTTP plumbing
// =============================================================================

// post sends a JSON body and decodes a JSON response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrIssueNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, compactBody(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// authorize unseals the token enclave and sets the mode's headers. Only the
// header's own copy of the token outlives this call.
func (c *Client) authorize(req *http.Request) error {
	tokenBuf, err := c.token.Open()
	if err != nil {
		return fmt.Errorf("unsealing tracker token: %w", err)
	}
	defer tokenBuf.Destroy()

	switch c.mode {
	case authIAMCloud:
		req.Header.Set("Authorization", "Bearer "+tokenBuf.String())
		req.Header.Set("X-Cloud-Org-ID", c.orgID)
	case authOAuthCloud:
		req.Header.Set("Authorization", "OAuth "+tokenBuf.String())
		req.Header.Set("X-Cloud-Org-ID", c.orgID)
	case authOAuthOrg:
		req.Header.Set("Authorization", "OAuth "+tokenBuf.String())
		req.Header.Set("X-Org-ID", c.orgID)
	default:
		return ErrNotConfigured
	}
	return nil
}

// compactBody trims an error body for inclusion in an error message.
func compactBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}

// truncateForLog shortens free-form text for log fields.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
