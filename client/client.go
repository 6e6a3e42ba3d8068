// Package client talks to the notifybox HTTP API. It lets producers register
// tasks and publish results, and lets bots consume the task queue without a
// database connection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mickamy/notifybox"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ notifybox.TaskSource = (*Client)(nil)

// APIError is a non-2xx reply decoded from the error envelope.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notifybox api: %d %s: %s", e.Status, e.Type, e.Message)
}

// Unwrap maps the HTTP status onto the domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return notifybox.ErrInvalidArgument
	case http.StatusNotFound:
		return notifybox.ErrTaskNotFound
	case http.StatusConflict:
		return notifybox.ErrTaskNotClaimed
	default:
		return nil
	}
}

type envelope struct {
	RespCode int             `json:"resp_code"`
	Data     json.RawMessage `json:"data"`
	Error    *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ClaimTasks leases tasks through the internal API. The retry ceiling is
// enforced by the server, so maxRetry is not sent.
func (c *Client) ClaimTasks(ctx context.Context, claimer string, limit, _ int) ([]notifybox.Task, error) {
	var out struct {
		Tasks []notifybox.Task `json:"tasks"`
	}
	err := c.post(ctx, "/internal/tasks/claim", map[string]any{"bot_id": claimer, "limit": limit}, &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// MarkTaskSent reports a claimed task as delivered.
func (c *Client) MarkTaskSent(ctx context.Context, id int64) error {
	return c.post(ctx, "/internal/tasks/complete", map[string]any{"id": id, "status": notifybox.TaskSent}, nil)
}

// MarkTaskFailed reports a failed attempt on a claimed task.
func (c *Client) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	return c.post(ctx, "/internal/tasks/complete", map[string]any{
		"id":        id,
		"status":    notifybox.TaskFailed,
		"error_msg": errMsg,
	}, nil)
}

// Register schedules a task; registering the same idempotency key twice
// returns the first task with Created false.
func (c *Client) Register(ctx context.Context, req notifybox.RegisterRequest) (notifybox.Registration, error) {
	body := map[string]any{
		"pr_info_id": req.PRInfoID,
		"receiver":   req.Receiver,
	}
	if req.TemplateID != "" {
		body["template_id"] = req.TemplateID
	}
	if req.SendTime != nil {
		body["send_time"] = req.SendTime.UTC().Format(time.RFC3339Nano)
	}
	if req.IdempotencyKey != "" {
		body["idempotency_key"] = req.IdempotencyKey
	}
	var reg notifybox.Registration
	if err := c.post(ctx, "/api/tasks/register", body, &reg); err != nil {
		return notifybox.Registration{}, err
	}
	return reg, nil
}

// Publish stores a result and its outbox entry on the server.
func (c *Client) Publish(ctx context.Context, r notifybox.Result) (notifybox.Publication, error) {
	var pub notifybox.Publication
	if err := c.post(ctx, "/api/results", r, &pub); err != nil {
		return notifybox.Publication{}, err
	}
	return pub, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Type: "Unknown", Message: resp.Status}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 || env.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Type = env.Error.Type
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
