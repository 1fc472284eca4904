// Package upstream talks to the LangGraph-style agent service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/auth"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// StatusError reports a non-2xx answer from the agent service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent service returned status %d: %s", e.StatusCode, e.Body)
}

// Client calls the agent service
type Client struct {
	baseURL    string
	keys       *auth.KeyService
	httpClient *http.Client
}

// NewClient creates a new Client. keys may be nil when no API key is used.
func NewClient(baseURL string, keys *auth.KeyService, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    NormalizeBaseURL(baseURL),
		keys:       keys,
		httpClient: httpClient,
	}
}

// NormalizeBaseURL trims trailing slashes and appends /api when it is missing
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return ""
	}
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	return base
}

// BaseURL returns the normalised service URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigMissing, "agent service URL is not configured", nil)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.keys != nil {
		c.keys.AddHeaders(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to reach agent service", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "agent service request failed",
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))})
	}
	return resp, nil
}

// CreateThread provisions a new agent thread
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/threads", struct{}{}, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		ThreadID string `json:"thread_id"`
		ID       string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to decode thread", err)
	}

	thread := out.ThreadID
	if thread == "" {
		thread = out.ID
	}
	if thread == "" {
		return "", apperrors.New(apperrors.ErrCodeUpstreamFailed, "agent service returned no thread id", nil)
	}
	ctrllog.FromContext(ctx).WithName("upstream").V(1).Info("Provisioned thread", "threadID", thread)
	return thread, nil
}

// RunStream starts a streamed run on a thread. The caller owns the returned body.
func (c *Client) RunStream(ctx context.Context, threadID string, messages json.RawMessage) (*http.Response, error) {
	if threadID == "" {
		return nil, apperrors.New(apperrors.ErrCodeMissingIdentifier, "thread id is required", nil)
	}
	if len(messages) == 0 {
		messages = json.RawMessage("[]")
	}
	body := map[string]any{
		"input": map[string]json.RawMessage{"messages": messages},
	}
	resp, err := c.post(ctx, "/threads/"+url.PathEscape(threadID)+"/runs/stream", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "agent service returned no stream", nil)
	}
	return resp, nil
}

// StatusCode extracts the agent status from an error returned by the client, or 0
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
