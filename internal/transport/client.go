// Package transport talks to a tab's agent worker: JSON requests over
// HTTP and a server-push event stream over SSE or WebSocket.
package transport

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
	"time"

	"github.com/walkley/myagents/pkg/types"
)

// PushMode selects the event stream transport.
type PushMode string

const (
	PushSSE       PushMode = "sse"
	PushWebSocket PushMode = "websocket"
)

// TabHeader carries the tab id on every request.
const TabHeader = "X-Tab-ID"

// ErrUnsuccessful is returned when the worker answers success=false.
var ErrUnsuccessful = errors.New("worker reported failure")

// StatusError is a non-2xx response from the worker.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("worker returned %d", e.StatusCode)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsBusy reports whether err is the worker refusing a send because
// another turn is running.
func IsBusy(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == types.CodeBusy
}

// Options configures a Client.
type Options struct {
	// BaseURL is the worker address, e.g. "http://127.0.0.1:31415".
	BaseURL string
	TabID   string
	Push    PushMode
	// Timeout bounds each request. The event stream is not bounded.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is the request side of one tab's worker connection.
type Client struct {
	base    *url.URL
	tabID   string
	push    PushMode
	timeout time.Duration
	http    *http.Client
	stream  *http.Client
}

// New creates a client. It does not contact the worker.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("transport: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base URL: %w", err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Push == "" {
		opts.Push = PushSSE
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:    base,
		tabID:   opts.TabID,
		push:    opts.Push,
		timeout: opts.Timeout,
		http:    hc,
		stream:  &http.Client{Transport: hc.Transport},
	}, nil
}

// BaseURL returns the worker address.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tabID != "" {
		req.Header.Set(TabHeader, c.tabID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func decodeStatusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	var env types.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
		se.Code = env.Error.Code
		se.Message = env.Error.Message
	}
	return se
}

func (c *Client) postSuccess(ctx context.Context, path string, body any) error {
	var out types.SuccessResponse
	if err := c.post(ctx, path, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%s: %w", path, ErrUnsuccessful)
	}
	return nil
}

// SendMessage posts a user message.
func (c *Client) SendMessage(ctx context.Context, req types.SendMessageRequest) (types.SendMessageResponse, error) {
	var out types.SendMessageResponse
	err := c.post(ctx, "/chat/send-message", req, &out)
	return out, err
}

// StopResponse interrupts the running turn.
func (c *Client) StopResponse(ctx context.Context) error {
	return c.postSuccess(ctx, "/chat/stop-response", nil)
}

// LoadSession switches the worker to another session.
func (c *Client) LoadSession(ctx context.Context, id types.SessionID) error {
	return c.postSuccess(ctx, "/chat/load-session", types.LoadSessionRequest{SessionID: id})
}

// ResetSession starts a fresh conversation on the worker.
func (c *Client) ResetSession(ctx context.Context) error {
	return c.postSuccess(ctx, "/chat/reset-session", nil)
}

// RespondPermission forwards a permission decision.
func (c *Client) RespondPermission(ctx context.Context, requestID string, decision types.PermissionDecision) error {
	return c.postSuccess(ctx, "/chat/respond-permission", types.RespondPermissionRequest{RequestID: requestID, Decision: decision})
}

// RespondQuestion forwards question answers; nil answers cancel.
func (c *Client) RespondQuestion(ctx context.Context, requestID string, answers types.QuestionAnswers) error {
	return c.postSuccess(ctx, "/chat/respond-question", types.RespondQuestionRequest{RequestID: requestID, Answers: answers})
}
