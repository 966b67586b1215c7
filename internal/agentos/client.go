// Package agentos is the HTTP transport to an AgentOS backend: skill routing,
// agent run streaming, health probes and knowledge ingestion.
package agentos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentdesk/internal/fault"
)

const (
	defaultTimeout    = 20 * time.Second
	defaultHealthPath = "/system/health"
	contentPageLimit  = 100
	maxErrorBody      = 4096
)

type Options struct {
	BaseURL    string
	HealthPath string
	DBID       string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	base       *url.URL
	healthPath string
	dbID       string
	userID     string
	timeout    time.Duration
	http       *http.Client
	logger     *zap.Logger
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("agentos: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("agentos: invalid base url %q: %w", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("agentos: unsupported scheme %q", base.Scheme)
	}
	healthPath := strings.TrimSpace(opts.HealthPath)
	if healthPath == "" {
		healthPath = defaultHealthPath
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: run streams stay open for as long as the
		// agent keeps producing, unary calls are bounded per request instead.
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:       base,
		healthPath: healthPath,
		dbID:       strings.TrimSpace(opts.DBID),
		userID:     strings.TrimSpace(opts.UserID),
		timeout:    timeout,
		http:       httpClient,
		logger:     logger.Named("agentos"),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) RouteSkills(ctx context.Context, req RouteRequest) ([]Skill, error) {
	var out routeResponse
	if err := c.doJSON(ctx, "route skills", http.MethodPost, "/skills/route", nil, req, &out); err != nil {
		return nil, err
	}
	if out.Skills == nil {
		out.Skills = []Skill{}
	}
	return out.Skills, nil
}

func (c *Client) ListSkills(ctx context.Context) ([]Skill, error) {
	var out []Skill
	if err := c.doJSON(ctx, "list skills", http.MethodGet, "/skills", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReloadSkills(ctx context.Context) ([]Skill, error) {
	var out reloadResponse
	if err := c.doJSON(ctx, "reload skills", http.MethodPost, "/skills/reload", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

func (c *Client) CheckHealth(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	if err := c.doJSON(ctx, "health", http.MethodGet, c.healthPath, nil, nil, &out); err != nil {
		return HealthStatus{}, err
	}
	if strings.TrimSpace(out.Status) == "" {
		out.Status = "ok"
	}
	return out, nil
}

func (c *Client) ListIngestionItems(ctx context.Context) ([]IngestionItem, error) {
	query := url.Values{}
	query.Set("limit", fmt.Sprint(contentPageLimit))
	query.Set("page", "1")
	if c.dbID != "" {
		query.Set("db_id", c.dbID)
	}
	var page contentPage
	if err := c.doJSON(ctx, "list knowledge", http.MethodGet, "/knowledge/content", query, nil, &page); err != nil {
		return nil, err
	}
	for i, item := range page.Data {
		if strings.TrimSpace(item.ID) == "" {
			return nil, fault.New(fault.Invalid, "list knowledge", fmt.Errorf("item %d has no id", i))
		}
	}
	if page.Data == nil {
		page.Data = []IngestionItem{}
	}
	return page.Data, nil
}

func (c *Client) KnowledgeStats(ctx context.Context) (KnowledgeStats, error) {
	query := url.Values{}
	if c.dbID != "" {
		query.Set("db_id", c.dbID)
	}
	var out KnowledgeStats
	if err := c.doJSON(ctx, "knowledge stats", http.MethodGet, "/knowledge/stats", query, nil, &out); err != nil {
		return KnowledgeStats{}, err
	}
	if out.Error != "" {
		return out, fault.New(fault.Transient, "knowledge stats", errors.New(out.Error))
	}
	return out, nil
}

func (c *Client) RetryIngestion(ctx context.Context, id string) (RetryResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return RetryResult{}, fault.New(fault.Invalid, "retry knowledge", errors.New("content id is required"))
	}
	var out RetryResult
	path := "/knowledge/retry/" + url.PathEscape(id)
	if err := c.doJSON(ctx, "retry knowledge", http.MethodPost, path, nil, nil, &out); err != nil {
		return RetryResult{}, err
	}
	return out, nil
}

func (c *Client) UploadContent(ctx context.Context, upload Upload) (IngestionItem, error) {
	if len(upload.Data) == 0 {
		return IngestionItem{}, fault.New(fault.Invalid, "upload knowledge", errors.New("empty upload"))
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fileName := nullCoalesce(upload.FileName, nullCoalesce(upload.Name, "upload"))
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return IngestionItem{}, err
	}
	if _, err := part.Write(upload.Data); err != nil {
		return IngestionItem{}, err
	}
	fields := map[string]string{
		"name":        nullCoalesce(upload.Name, fileName),
		"description": upload.Description,
	}
	if c.dbID != "" {
		fields["db_id"] = c.dbID
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return IngestionItem{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return IngestionItem{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, "/knowledge/content", nil, &body)
	if err != nil {
		return IngestionItem{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var out IngestionItem
	if err := c.send(req, "upload knowledge", &out); err != nil {
		return IngestionItem{}, err
	}
	if out.Status == "" {
		out.Status = StatusPending
	}
	return out, nil
}

// SendMessage starts a streamed agent run. The returned stream is bound to
// ctx: cancelling ctx aborts the underlying response body.
func (c *Client) SendMessage(ctx context.Context, run RunRequest) (Stream, error) {
	agentID := strings.TrimSpace(run.AgentID)
	if agentID == "" {
		return nil, fault.New(fault.Invalid, "send message", errors.New("agent id is required"))
	}
	form := url.Values{}
	form.Set("message", run.Message)
	form.Set("stream", "true")
	if run.SessionID != "" {
		form.Set("session_id", run.SessionID)
	}
	userID := nullCoalesce(run.UserID, c.userID)
	if userID != "" {
		form.Set("user_id", userID)
	}
	path := "/agents/" + url.PathEscape(agentID) + "/runs"
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/event-stream")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, "send message", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fault.HTTPStatus("send message", resp.StatusCode, string(payload))
	}
	c.logger.Debug("run stream opened",
		zap.String("agent_id", agentID),
		zap.String("session_id", run.SessionID),
		zap.String("request_id", req.Header.Get("X-Request-ID")),
		zap.Duration("latency", time.Since(started)),
	)
	return newRunStream(ctx, resp.Body), nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, in any, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fault.New(fault.Invalid, op, err)
		}
		body = bytes.NewReader(buf)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := *c.base
	target.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fault.New(fault.Invalid, method+" "+path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) send(req *http.Request, op string, out any) error {
	ctx := req.Context()
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	c.logger.Debug("request done",
		zap.String("op", op),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", req.Header.Get("X-Request-ID")),
		zap.Duration("latency", time.Since(started)),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.HTTPStatus(op, resp.StatusCode, string(payload))
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fault.New(fault.Invalid, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// transportError keeps cancellation distinguishable from the request's own
// timeout: the caller cancelling is Cancelled, our deadline is Transient.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, context.DeadlineExceeded) {
			return fault.New(fault.Transient, op, fmt.Errorf("request timed out: %w", cause))
		}
		return fault.New(fault.Cancelled, op, cause)
	}
	return fault.Wrap(op, err)
}

func nullCoalesce(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
