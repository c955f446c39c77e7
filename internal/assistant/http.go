package assistant

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

// Defaults for HTTPConfig
const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultBetaHeader     = "assistants=v2"
	DefaultRequestTimeout = 60 * time.Second

	maxErrorBody = 2048
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	BetaHeader string
	// RequestTimeout bounds non-streaming requests. Streams are bounded only
	// by the caller's context.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// HTTPClient implements Client against an Assistants-style REST API with
// server-sent-event streaming.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	betaHeader     string
	requestTimeout time.Duration
	httpClient     *http.Client
}

// NewHTTPClient creates an HTTP client. An empty API key is rejected.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("assistant API key is required")
	}
	c := &HTTPClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		betaHeader:     cfg.BetaHeader,
		requestTimeout: cfg.RequestTimeout,
		httpClient:     cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.betaHeader == "" {
		c.betaHeader = DefaultBetaHeader
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c, nil
}

// CreateConversation creates an empty conversation.
func (c *HTTPClient) CreateConversation(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "create conversation", http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &RequestError{Op: "create conversation", Err: fmt.Errorf("response has no id")}
	}
	return out.ID, nil
}

// ListOperations lists the most recent operations on a conversation.
func (c *HTTPClient) ListOperations(ctx context.Context, conversationID string, limit int) ([]Operation, error) {
	path := "/threads/" + url.PathEscape(conversationID) + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Data []Operation `json:"data"`
	}
	if err := c.call(ctx, "list operations", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CancelOperation requests cancellation of an operation.
func (c *HTTPClient) CancelOperation(ctx context.Context, conversationID, operationID string) error {
	path := "/threads/" + url.PathEscape(conversationID) + "/runs/" + url.PathEscape(operationID) + "/cancel"
	return c.call(ctx, "cancel operation", http.MethodPost, path, map[string]any{}, nil)
}

// SendMessage appends a user message to a conversation.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID, text string) error {
	path := "/threads/" + url.PathEscape(conversationID) + "/messages"
	body := map[string]any{"role": "user", "content": text}
	return c.call(ctx, "send message", http.MethodPost, path, body, nil)
}

// StartStreamingRun starts an operation with streaming enabled and returns
// its event stream. The stream lives as long as ctx.
func (c *HTTPClient) StartStreamingRun(ctx context.Context, conversationID, assistantID string) (Stream, error) {
	const op = "start streaming run"
	path := "/threads/" + url.PathEscape(conversationID) + "/runs"
	body := map[string]any{"assistant_id": assistantID, "stream": true}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, responseError(op, resp)
	}
	return newSSEStream(resp.Body), nil
}

func (c *HTTPClient) call(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", c.betaHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func responseError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RequestError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
