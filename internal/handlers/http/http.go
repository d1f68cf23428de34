package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentflow/internal/domain"
)

// Remote forwards work to an agent served over HTTP.
type Remote struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

type Request struct {
	Query   string            `json:"query"`
	Type    string            `json:"type"`
	Context map[string]string `json:"context,omitempty"`
}

func (h Remote) Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error) {
	if h.URL == "" {
		return domain.Response{}, fmt.Errorf("URL is required")
	}
	body, err := json.Marshal(Request{Query: query, Type: taskType, Context: params})
	if err != nil {
		return domain.Response{}, fmt.Errorf("invalid agent request: %w", err)
	}

	client := h.Client
	if client == nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second // default 30 seconds
		}
		client = &http.Client{Timeout: timeout}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Response{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return domain.Response{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Response{}, fmt.Errorf("failed to read response body: %w", err)
	}

	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		return domain.Response{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var out domain.Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.Response{}, fmt.Errorf("invalid agent response: %w", err)
	}
	return out, nil
}
