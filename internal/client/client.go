// Package client is a Go client for the sekimon HTTP API. sekimonctl uses it
// for reviewer workflows; services embedding an agent can use it to request
// and execute actions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the sekimon server (e.g. "http://localhost:8080").
	BaseURL string

	// PrincipalID and APIKey are exchanged for a JWT at /auth/token.
	PrincipalID string
	APIKey      string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout and an otelhttp transport is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the sekimon API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// New creates a Client. BaseURL, PrincipalID and APIKey are required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("sekimon: BaseURL is required")
	}
	if cfg.PrincipalID == "" {
		return nil, errors.New("sekimon: PrincipalID is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("sekimon: APIKey is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.PrincipalID, cfg.APIKey, httpClient),
	}, nil
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Items   []T
	HasMore bool
	Limit   int
	Offset  int
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask requests an action. The returned task is pending, or approved
// when policy auto-approves the action.
func (c *Client) CreateTask(ctx context.Context, req model.CreateTaskRequest) (*model.Task, error) {
	var task model.Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var task model.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id.String(), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// PendingOptions filters ListPending.
type PendingOptions struct {
	// Mine limits a reviewer to their own requests.
	Mine   bool
	Limit  int
	Offset int
}

// ListPending lists tasks awaiting review, oldest first.
func (c *Client) ListPending(ctx context.Context, opts PendingOptions) (*Page[model.Task], error) {
	params := pageParams(opts.Limit, opts.Offset)
	if opts.Mine {
		params.Set("mine", "true")
	}
	return list[model.Task](ctx, c, "/v1/tasks/pending", params)
}

// TaskListOptions filters ListTasks. Zero values are not sent.
type TaskListOptions struct {
	Status      model.TaskStatus
	RequesterID string
	Action      string
	Limit       int
	Offset      int
}

// ListTasks lists tasks by status, requester or action. Requires reviewer.
func (c *Client) ListTasks(ctx context.Context, opts TaskListOptions) (*Page[model.Task], error) {
	params := pageParams(opts.Limit, opts.Offset)
	setIf(params, "status", string(opts.Status))
	setIf(params, "requester_id", opts.RequesterID)
	setIf(params, "action", opts.Action)
	return list[model.Task](ctx, c, "/v1/tasks", params)
}

// Approve approves a pending task. Notes are optional.
func (c *Client) Approve(ctx context.Context, id uuid.UUID, notes string) (*model.Task, error) {
	var body model.ApproveTaskRequest
	if notes != "" {
		body.Notes = &notes
	}
	var task model.Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+id.String()+"/approve", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Reject rejects a pending task. The reason is required.
func (c *Client) Reject(ctx context.Context, id uuid.UUID, reason string) (*model.Task, error) {
	var task model.Task
	body := model.RejectTaskRequest{Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+id.String()+"/reject", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Execute runs an approved task and waits for the result. A zero timeout
// uses the server default. A failed execution is returned as an *Error
// whose Details carry the failed task.
func (c *Client) Execute(ctx context.Context, id uuid.UUID, timeout time.Duration) (*model.Task, error) {
	body := model.ExecuteTaskRequest{TimeoutSeconds: int(timeout / time.Second)}
	var task model.Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+id.String()+"/execute", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Policy returns the approval policy table and registered actions.
func (c *Client) Policy(ctx context.Context) (*model.PolicyResponse, error) {
	var p model.PolicyResponse
	if err := c.do(ctx, http.MethodGet, "/v1/policy", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Security events (admin)
// ---------------------------------------------------------------------------

// EventListOptions filters ListEvents and ExportEvents. Zero values are
// not sent.
type EventListOptions struct {
	EventType   model.EventType
	MinSeverity model.Severity
	TaskID      *uuid.UUID
	ActorID     string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

func (o EventListOptions) params() url.Values {
	params := pageParams(o.Limit, o.Offset)
	setIf(params, "event_type", string(o.EventType))
	setIf(params, "min_severity", string(o.MinSeverity))
	setIf(params, "actor_id", o.ActorID)
	if o.TaskID != nil {
		params.Set("task_id", o.TaskID.String())
	}
	if !o.Since.IsZero() {
		params.Set("since", o.Since.UTC().Format(time.RFC3339))
	}
	if !o.Until.IsZero() {
		params.Set("until", o.Until.UTC().Format(time.RFC3339))
	}
	return params
}

// ListEvents lists security events newest first.
func (c *Client) ListEvents(ctx context.Context, opts EventListOptions) (*Page[model.SecurityEvent], error) {
	return list[model.SecurityEvent](ctx, c, "/v1/security-events", opts.params())
}

// ExportEvents returns matching events oldest first with their Merkle root.
func (c *Client) ExportEvents(ctx context.Context, opts EventListOptions) (*model.EventExport, error) {
	var export model.EventExport
	path := withQuery("/v1/security-events/export", opts.params())
	if err := c.do(ctx, http.MethodGet, path, nil, &export); err != nil {
		return nil, err
	}
	return &export, nil
}

// ExportAllEvents follows export pages until the server reports no more.
// Each page carries its own Merkle root. opts.Offset sets the first page.
func (c *Client) ExportAllEvents(ctx context.Context, opts EventListOptions) ([]model.EventExport, error) {
	var pages []model.EventExport
	for {
		export, err := c.ExportEvents(ctx, opts)
		if err != nil {
			return pages, err
		}
		pages = append(pages, *export)
		if !export.HasMore || export.Count == 0 {
			return pages, nil
		}
		opts.Offset = export.NextOffset()
	}
}

// VerifyEvent recomputes an event's content hash on the server.
func (c *Client) VerifyEvent(ctx context.Context, id uuid.UUID) (*model.EventVerification, error) {
	var v model.EventVerification
	if err := c.do(ctx, http.MethodGet, "/v1/security-events/"+id.String()+"/verify", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Health checks the server. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*model.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("sekimon: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sekimon: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h model.HealthResponse
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper. List endpoints
// add the paging fields.
type apiEnvelope struct {
	Data    json.RawMessage `json:"data"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func list[T any](ctx context.Context, c *Client, path string, params url.Values) (*Page[T], error) {
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, withQuery(path, params), nil, &env); err != nil {
		return nil, err
	}
	page := &Page[T]{HasMore: env.HasMore, Limit: env.Limit, Offset: env.Offset}
	if err := json.Unmarshal(env.Data, &page.Items); err != nil {
		return nil, fmt.Errorf("sekimon: decode list: %w", err)
	}
	return page, nil
}

// do sends an authenticated request. A 401 drops the cached token and
// retries once, which covers a server restart with ephemeral keys.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("sekimon: marshal request body: %w", err)
		}
	}

	err := c.send(ctx, method, path, encoded, dest)
	if IsUnauthorized(err) {
		c.tokenMgr.invalidate()
		err = c.send(ctx, method, path, encoded, dest)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sekimon: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sekimon: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sekimon: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if dest == nil {
		return nil
	}
	if env, ok := dest.(*apiEnvelope); ok {
		return json.Unmarshal(bodyBytes, env)
	}

	var env apiEnvelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return fmt.Errorf("sekimon: decode response envelope: %w", err)
	}
	if env.Data == nil {
		return errors.New("sekimon: response has no data")
	}
	return json.Unmarshal(env.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}

func pageParams(limit, offset int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return params
}

func setIf(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
