package maintask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the maintask server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the maintask control API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("maintask: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: httpClient}, nil
}

// Tasks lists the registered tasks, sorted by name.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/v1/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Task describes one task.
func (c *Client) Task(ctx context.Context, name string) (*Task, error) {
	var task Task
	if err := c.get(ctx, "/v1/tasks/"+url.PathEscape(name), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateRun starts a Run of task. Requests with a CSV are sent as
// multipart/form-data, everything else as JSON.
func (c *Client) CreateRun(ctx context.Context, task string, req CreateRunRequest) (*Run, error) {
	path := "/v1/tasks/" + url.PathEscape(task) + "/runs"

	var (
		body        io.Reader
		contentType string
	)
	if req.CSV != nil {
		buf, ct, err := encodeMultipart(req)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	} else {
		encoded, err := json.Marshal(map[string]any{"arguments": req.Arguments})
		if err != nil {
			return nil, fmt.Errorf("maintask: marshal request body: %w", err)
		}
		body, contentType = bytes.NewReader(encoded), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("maintask: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	var run Run
	if err := c.do(httpReq, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func encodeMultipart(req CreateRunRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range req.Arguments {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("maintask: encode argument %s: %w", name, err)
		}
	}
	filename := req.CSV.Filename
	if filename == "" {
		filename = "upload.csv"
	}
	part, err := mw.CreateFormFile("csv", filename)
	if err != nil {
		return nil, "", fmt.Errorf("maintask: encode csv: %w", err)
	}
	if _, err := part.Write(req.CSV.Content); err != nil {
		return nil, "", fmt.Errorf("maintask: encode csv: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("maintask: encode csv: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// ListRuns returns one page of a task's run history, newest first.
func (c *Client) ListRuns(ctx context.Context, task string, opts *ListRunsOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		if len(opts.Statuses) > 0 {
			ss := make([]string, len(opts.Statuses))
			for i, s := range opts.Statuses {
				ss[i] = string(s)
			}
			params.Set("status", strings.Join(ss, ","))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/tasks/" + url.PathEscape(task) + "/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page struct {
		Data    []Run `json:"data"`
		Total   *int  `json:"total"`
		HasMore bool  `json:"has_more"`
		Limit   int   `json:"limit"`
		Offset  int   `json:"offset"`
	}
	if err := c.getRaw(ctx, path, &page); err != nil {
		return nil, err
	}
	list := &RunList{Runs: page.Data, HasMore: page.HasMore, Limit: page.Limit, Offset: page.Offset}
	if page.Total != nil {
		list.Total = *page.Total
	}
	return list, nil
}

// GetRun loads one Run.
func (c *Client) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/v1/runs/"+id.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// PauseRun pauses a Run, or asks its running attempt to pause.
func (c *Client) PauseRun(ctx context.Context, id uuid.UUID) (*ControlResult, error) {
	return c.control(ctx, id, "pause")
}

// ResumeRun re-enqueues a paused or interrupted Run.
func (c *Client) ResumeRun(ctx context.Context, id uuid.UUID) (*ControlResult, error) {
	return c.control(ctx, id, "resume")
}

// CancelRun cancels a Run, or asks its running attempt to cancel.
func (c *Client) CancelRun(ctx context.Context, id uuid.UUID) (*ControlResult, error) {
	return c.control(ctx, id, "cancel")
}

func (c *Client) control(ctx context.Context, id uuid.UUID, action string) (*ControlResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs/"+id.String()+"/"+action, nil)
	if err != nil {
		return nil, fmt.Errorf("maintask: create request: %w", err)
	}
	var res ControlResult
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WaitRun polls a Run until it reaches a terminal status or ctx ends.
func (c *Client) WaitRun(ctx context.Context, id uuid.UUID, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health returns the server's health report. An unhealthy server answers
// 503 with a report; both are returned.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("maintask: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("maintask: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("maintask: read response body: %w", err)
	}
	var envelope struct {
		Data *Health `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Data == nil {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	if resp.StatusCode >= 400 {
		return envelope.Data, &Error{StatusCode: resp.StatusCode, Code: "UNHEALTHY", Message: envelope.Data.Status}
	}
	return envelope.Data, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("maintask: create request: %w", err)
	}
	return c.do(req, dest)
}

// getRaw decodes the whole response body, for list endpoints whose
// pagination fields sit next to data.
func (c *Client) getRaw(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("maintask: create request: %w", err)
	}
	body, err := c.send(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	body, err := c.send(req)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("maintask: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("maintask: %s %s: response has no data", req.Method, req.URL.Path)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("maintask: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("maintask: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		var details struct {
			RunID string `json:"run_id"`
		}
		if json.Unmarshal(envelope.Error.Details, &details) == nil {
			apiErr.RunID = details.RunID
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
