package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"schedflow/internal/domain"
	"schedflow/internal/task"
)

const TaskType = "http"

// HTTP calls a URL. 4xx responses abort the item, other failures are retried.
type HTTP struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
	Prio    int               `json:"priority,omitempty"`

	client *http.Client
}

// Register adds the http task type. client may be nil.
func Register(reg *task.Registry, client *http.Client) {
	reg.Register(TaskType, func() task.Task { return &HTTP{client: client} })
}

func (*HTTP) Type() string { return TaskType }

func (h *HTTP) Priority() int {
	if h.Prio == 0 {
		return domain.PriorityNormal
	}
	return h.Prio
}

func (h *HTTP) Execute(ctx context.Context, progress task.Progress) error {
	if h.URL == "" {
		return fmt.Errorf("%w: URL is required", task.ErrAbort)
	}
	method := h.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := time.Duration(h.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(h.Body) > 0 {
		body = bytes.NewReader(h.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.URL, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", task.ErrAbort, err)
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	progress(0)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: HTTP %d error: %s", task.ErrAbort, resp.StatusCode, string(respBody))
	}
	progress(100)
	return nil
}
