package client

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
)

// Client provides typed access to the launchpad API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	// Deployments run inside the request, so the timeout covers a full build.
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status      int
	Kind        string
	Detail      string
	FailedStage string
}

func (e APIError) Error() string {
	msg := fmt.Sprintf("api request failed (%d)", e.Status)
	if e.Kind != "" {
		msg += ": " + e.Kind
	}
	if e.FailedStage != "" {
		msg += " at " + e.FailedStage
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error       string `json:"error"`
		Detail      string `json:"detail"`
		FailedStage string `json:"failed_stage"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Detail = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Kind = payload.Error
	apiErr.Detail = payload.Detail
	apiErr.FailedStage = payload.FailedStage
	return apiErr
}

// Deployment mirrors a ledger record.
type Deployment struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	RepoName      string     `json:"repo_name"`
	Platform      string     `json:"platform"`
	Stack         string     `json:"stack"`
	Status        string     `json:"status"`
	URL           string     `json:"url,omitempty"`
	Port          int        `json:"port,omitempty"`
	ContainerName string     `json:"container_name,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	FailedStage   string     `json:"failed_stage,omitempty"`
	BuildTimeMS   int64      `json:"build_time_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	RestartedAt   *time.Time `json:"restarted_at,omitempty"`
}

// DeployInput is the payload for starting a deployment.
type DeployInput struct {
	Repo     string `json:"repo_name"`
	CloneURL string `json:"clone_url"`
	Platform string `json:"platform,omitempty"`
	Stack    string `json:"stack,omitempty"`
	Token    string `json:"token,omitempty"`
}

// DeployResult summarizes a successful deployment.
type DeployResult struct {
	DeploymentID    string `json:"deployment_id"`
	URL             string `json:"url"`
	Port            int    `json:"port"`
	DetectedStack   string `json:"detected_stack"`
	ContainerHandle string `json:"container_handle"`
	StackOverridden bool   `json:"stack_overridden"`
	BuildTimeMS     int64  `json:"build_time_ms"`
}

// Deploy runs the pipeline and blocks until it finishes.
func (c *Client) Deploy(ctx context.Context, token string, in DeployInput) (DeployResult, error) {
	var res DeployResult
	if err := c.do(ctx, http.MethodPost, "/deploy", in, token, &res); err != nil {
		return DeployResult{}, err
	}
	return res, nil
}

// HandleStatus is the live state of a container handle.
type HandleStatus struct {
	Handle       string `json:"container_handle"`
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Running      bool   `json:"is_running"`
	State        string `json:"state"`
	StatusLine   string `json:"status_line"`
	URL          string `json:"url"`
}

// Status fetches the state of a container handle.
func (c *Client) Status(ctx context.Context, token, handle string) (HandleStatus, error) {
	var st HandleStatus
	if err := c.do(ctx, http.MethodGet, "/deploy/status/"+url.PathEscape(handle), nil, token, &st); err != nil {
		return HandleStatus{}, err
	}
	return st, nil
}

// Stack describes a supported stack.
type Stack struct {
	ID          string `json:"stack_id"`
	DefaultPort int    `json:"default_port"`
}

// Frameworks lists the stacks the server can build.
func (c *Client) Frameworks(ctx context.Context) ([]Stack, error) {
	var resp struct {
		Frameworks []Stack `json:"frameworks"`
	}
	if err := c.do(ctx, http.MethodGet, "/deploy/frameworks", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Frameworks, nil
}

// Deployments lists the caller's records, newest first.
func (c *Client) Deployments(ctx context.Context, token string, limit int) ([]Deployment, int, error) {
	path := "/dashboard/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Deployments []Deployment `json:"deployments"`
		Total       int          `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Deployments, resp.Total, nil
}

// Stop stops a deployment by record id.
func (c *Client) Stop(ctx context.Context, token, id string) (Deployment, error) {
	return c.transition(ctx, http.MethodPost, "/dashboard/stop/"+url.PathEscape(id), token)
}

// Restart relaunches a stopped deployment from its image.
func (c *Client) Restart(ctx context.Context, token, id string) (Deployment, error) {
	return c.transition(ctx, http.MethodPost, "/dashboard/restart/"+url.PathEscape(id), token)
}

// Delete removes a deployment's container and image.
func (c *Client) Delete(ctx context.Context, token, id string) (Deployment, error) {
	return c.transition(ctx, http.MethodDelete, "/dashboard/"+url.PathEscape(id), token)
}

func (c *Client) transition(ctx context.Context, method, path, token string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, method, path, nil, token, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// Logs returns up to lines of container output.
func (c *Client) Logs(ctx context.Context, token, id string, lines int) ([]string, error) {
	path := "/dashboard/logs/" + url.PathEscape(id)
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}
