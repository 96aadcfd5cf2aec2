// Package client provides a REST client for the ingestd server.
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
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/server"
	"github.com/raphaelgruber/ingestd/internal/service"
)

// Client talks to the ingestd HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses INGEST_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via INGEST_CLIENT_TIMEOUT (default 30s); a bearer
// token is read from INGEST_TOKEN.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("INGEST_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("INGEST_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      os.Getenv("INGEST_TOKEN"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithToken sets the bearer token sent with every request.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Kind    ingesterr.Kind
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server error: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the error kind reported by the server, or "" when err did
// not come from an API response.
func KindOf(err error) ingesterr.Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// do sends a JSON request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp server.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Kind != "" {
			apiErr.Kind = errResp.Error.Kind
			apiErr.Message = errResp.Error.Message
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Submit starts an ingestion job.
func (c *Client) Submit(ctx context.Context, req models.JobRequest) (*server.SubmitResponse, error) {
	var resp server.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/ingest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsOptions filters ListJobs.
type ListJobsOptions struct {
	Status models.JobStatus
	Stuck  bool
}

// ListJobs returns jobs newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]models.Job, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Stuck {
		q.Set("stuck", "true")
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelJob requests cancellation and returns the job as it is now.
func (c *Client) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RetryJob resubmits a terminal job and returns the new job id.
func (c *Client) RetryJob(ctx context.Context, id string) (*server.SubmitResponse, error) {
	var resp server.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/retry", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteJob removes a terminal job.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// Plugins lists connectors, vector stores and embedding providers.
func (c *Client) Plugins(ctx context.Context) (*server.PluginsResponse, error) {
	var resp server.PluginsResponse
	if err := c.do(ctx, http.MethodGet, "/api/plugins", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PluginSchema returns the config schema of a source connector.
func (c *Client) PluginSchema(ctx context.Context, pluginID string) (*models.ConfigSchema, error) {
	var schema models.ConfigSchema
	if err := c.do(ctx, http.MethodGet, "/api/plugins/"+url.PathEscape(pluginID)+"/schema", nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// VectorStoreSchema returns the vector_store_config schema of a store.
func (c *Client) VectorStoreSchema(ctx context.Context, storeID string) (*models.ConfigSchema, error) {
	var schema models.ConfigSchema
	if err := c.do(ctx, http.MethodGet, "/api/vector_stores/"+url.PathEscape(storeID)+"/schema", nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// TestConnection asks the server to check a connector's settings. A
// connector failure is reported in the response, not as an error.
func (c *Client) TestConnection(ctx context.Context, pluginID string, cfg map[string]any) (*server.TestConnectionResponse, error) {
	var resp server.TestConnectionResponse
	req := server.TestConnectionRequest{PluginID: pluginID, Config: cfg}
	if err := c.do(ctx, http.MethodPost, "/api/sources/test-connection", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IndexQuery addresses a vector store for the index endpoints.
type IndexQuery struct {
	VectorStore string
	// Config is sent as query parameters, e.g. connection_string.
	Config map[string]string
}

func (q IndexQuery) encode() string {
	v := url.Values{}
	if q.VectorStore != "" {
		v.Set("vector_store", q.VectorStore)
	}
	for key, val := range q.Config {
		v.Set(key, val)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// ListIndexes returns the indexes of a vector store.
func (c *Client) ListIndexes(ctx context.Context, q IndexQuery) (*server.IndicesResponse, error) {
	var resp server.IndicesResponse
	if err := c.do(ctx, http.MethodGet, "/api/indices"+q.encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteIndex drops an index and everything stored in it.
func (c *Client) DeleteIndex(ctx context.Context, name string, q IndexQuery) error {
	return c.do(ctx, http.MethodDelete, "/api/indices/"+url.PathEscape(name)+q.encode(), nil, nil)
}

// Suggest asks the connector assistant for a configuration.
func (c *Client) Suggest(ctx context.Context, prompt string) (*service.Suggestion, error) {
	var resp service.Suggestion
	if err := c.do(ctx, http.MethodPost, "/api/assistant/suggest", server.SuggestRequest{Prompt: prompt}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns job counts and stage timings.
func (c *Client) Stats(ctx context.Context) (*server.StatsResponse, error) {
	var resp server.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamLogs follows the server log stream over a WebSocket, first replaying
// up to replay recent entries. onEntry is called for each entry; return an
// error from it to stop. StreamLogs returns ctx.Err() when ctx ends and nil
// when the server closes the stream.
func (c *Client) StreamLogs(ctx context.Context, replay int, onEntry func(models.LogEntry) error) error {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/api/ingest/logs/ws")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if replay > 0 {
		u.RawQuery = "replay=" + strconv.Itoa(replay)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return &APIError{Status: resp.StatusCode, Message: "websocket handshake failed"}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var entry models.LogEntry
		if err := conn.ReadJSON(&entry); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := onEntry(entry); err != nil {
			return err
		}
	}
}
