// Package hostapi talks to the host runtime's HTTP API: session history,
// compaction, reverts, prompt resubmission, toasts, health and the event feed.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"salvage/internal/recovery"
)

// DefaultTimeout bounds every request except the event stream.
const DefaultTimeout = 30 * time.Second

// DirectoryFunc resolves the working directory for a session. An empty
// result falls back to the client's default directory.
type DirectoryFunc func(sessionID string) string

// Client is the host API client. It implements recovery.Client and
// recovery.Notifier.
type Client struct {
	baseURL    string
	directory  string
	resolve    DirectoryFunc
	httpClient *http.Client
	stream     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
		}
	}
}

// WithDirectory sets the default directory sent with every call.
func WithDirectory(dir string) Option {
	return func(c *Client) {
		c.directory = dir
	}
}

// WithDirectoryResolver looks up a per-session directory before falling
// back to the default.
func WithDirectoryResolver(fn DirectoryFunc) Option {
	return func(c *Client) {
		c.resolve = fn
	}
}

// New creates a client for the host at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stream = &http.Client{Transport: c.httpClient.Transport}
	return c
}

// BaseURL returns the host base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type wireTime struct {
	Created int64 `json:"created"`
}

type wireInfo struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Role       string   `json:"role"`
	ProviderID string   `json:"providerID"`
	ModelID    string   `json:"modelID"`
	Summary    bool     `json:"summary"`
	Error      any      `json:"error"`
	Time       wireTime `json:"time"`
}

type wireMessage struct {
	Info wireInfo `json:"info"`
}

// ListMessages returns the session's history, oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]recovery.Message, error) {
	var wire []wireMessage
	if err := c.do(ctx, http.MethodGet, sessionID, sessionPath(sessionID, "message"), nil, &wire); err != nil {
		return nil, err
	}

	messages := make([]recovery.Message, 0, len(wire))
	for _, m := range wire {
		info := recovery.MessageInfo{
			ID:         m.Info.ID,
			SessionID:  m.Info.SessionID,
			Role:       m.Info.Role,
			ProviderID: m.Info.ProviderID,
			ModelID:    m.Info.ModelID,
			Summary:    m.Info.Summary,
			Error:      m.Info.Error,
		}
		if info.SessionID == "" {
			info.SessionID = sessionID
		}
		if m.Info.Time.Created > 0 {
			info.Created = time.UnixMilli(m.Info.Time.Created)
		}
		messages = append(messages, recovery.Message{Info: info})
	}
	return messages, nil
}

// Summarize asks the host to compact the session with the given model.
func (c *Client) Summarize(ctx context.Context, sessionID, providerID, modelID string) error {
	body := map[string]string{"providerID": providerID, "modelID": modelID}
	return c.do(ctx, http.MethodPost, sessionID, sessionPath(sessionID, "summarize"), body, nil)
}

// Revert removes messageID and everything after it from the session.
func (c *Client) Revert(ctx context.Context, sessionID, messageID string) error {
	body := map[string]string{"messageID": messageID}
	return c.do(ctx, http.MethodPost, sessionID, sessionPath(sessionID, "revert"), body, nil)
}

// SubmitPendingPrompt resubmits whatever is in the host's prompt box.
func (c *Client) SubmitPendingPrompt(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionID, "/tui/submit-prompt", nil, nil)
}

type toastBody struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Variant  string `json:"variant"`
	Duration int64  `json:"duration"`
}

// ShowToast implements recovery.Notifier.
func (c *Client) ShowToast(ctx context.Context, toast recovery.Toast) error {
	body := toastBody{
		Title:    toast.Title,
		Message:  toast.Message,
		Variant:  string(toast.Severity),
		Duration: toast.DurationMS(),
	}
	return c.do(ctx, http.MethodPost, toast.SessionID, "/tui/show-toast", body, nil)
}

func sessionPath(sessionID, action string) string {
	return "/session/" + url.PathEscape(sessionID) + "/" + action
}

func (c *Client) directoryFor(sessionID string) string {
	if c.resolve != nil && sessionID != "" {
		if dir := c.resolve(sessionID); dir != "" {
			return dir
		}
	}
	return c.directory
}

func (c *Client) url(sessionID, path string) string {
	u := c.baseURL + path
	if dir := c.directoryFor(sessionID); dir != "" {
		u += "?" + url.Values{"directory": {dir}}.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, sessionID, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(sessionID, path), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
