// Package client talks to a remote evalrecorder API. Agent bridges use it to
// stream protocol events into a recorder running elsewhere.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/evalset"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/session"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/store"
)

// Client is an HTTP client for the recorder API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sets a function returning the bearer token sent with every request.
func WithToken(tokenFunc func() string) Option {
	return func(cl *Client) { cl.tokenFunc = tokenFunc }
}

// New creates a Client for the API served at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenSession opens (or reopens) the recording session of a thread.
func (c *Client) OpenSession(ctx context.Context, threadID, runID string) error {
	body := map[string]string{"threadId": threadID, "runId": runID}
	return c.do(ctx, http.MethodPost, "/api/sessions", body, nil)
}

// StartInvocation opens an invocation for the user's message and returns its id.
func (c *Client) StartInvocation(ctx context.Context, threadID, message, messageID string) (string, error) {
	var resp struct {
		InvocationID string `json:"invocationId"`
	}
	body := map[string]string{"message": message, "messageId": messageID}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(threadID)+"/invocations", body, &resp); err != nil {
		return "", err
	}
	return resp.InvocationID, nil
}

// SendEvents forwards events in order and returns how many were accepted.
func (c *Client) SendEvents(ctx context.Context, threadID string, evs ...events.Event) (int, error) {
	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(threadID)+"/events", evs, &resp); err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

// SaveSession persists the thread's conversation and closes its session.
func (c *Client) SaveSession(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(threadID)+"/save", nil, nil)
}

// Replay records a complete captured run.
func (c *Client) Replay(ctx context.Context, in *session.RunInput, evs []events.Event) (*session.ReplayResult, error) {
	var result session.ReplayResult
	body := map[string]any{"input": in, "events": evs}
	if err := c.do(ctx, http.MethodPost, "/api/runs", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Promote copies a recorded conversation into the saved collection and
// returns the filename it was stored under.
func (c *Client) Promote(ctx context.Context, conversationID string) (string, error) {
	var resp struct {
		SavedAs string `json:"savedAs"`
	}
	body := map[string]string{"conversationId": conversationID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/save", body, &resp); err != nil {
		return "", err
	}
	return resp.SavedAs, nil
}

// ListSaved lists saved conversations, newest first.
func (c *Client) ListSaved(ctx context.Context) ([]*store.Summary, error) {
	var resp struct {
		Conversations []*store.Summary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/saved", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// Export fetches a saved conversation as a one-case eval set.
func (c *Client) Export(ctx context.Context, conversationID string) (*evalset.EvalSet, error) {
	var set evalset.EvalSet
	if err := c.do(ctx, http.MethodGet, "/api/conversations/saved/"+url.PathEscape(conversationID)+"/export", nil, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (c *Client) addAuthHeaders(req *http.Request) {
	if c.tokenFunc != nil {
		if token := c.tokenFunc(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.New(apperrors.ErrCodeRemote, "failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeRemote, "failed to create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeRemote, "failed to send request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeRemote, "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.New(apperrors.ErrCodeRemote, "failed to decode response", err)
	}
	return nil
}

// statusError turns an API error response back into an AppError whose code
// matches the one the server mapped to the status.
func statusError(status int, body []byte) error {
	message := gjson.GetBytes(body, "error").String()
	if message == "" {
		message = string(body)
	}

	code := apperrors.ErrCodeRemote
	switch status {
	case http.StatusConflict:
		code = apperrors.ErrCodeNoActiveSession
	case http.StatusNotFound:
		code = apperrors.ErrCodeNotFound
	case http.StatusBadRequest:
		code = apperrors.ErrCodeInvalidInput
	}
	return apperrors.New(code, fmt.Sprintf("unexpected status %d: %s", status, message), nil)
}
