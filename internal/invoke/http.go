package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 120 * time.Second
)

// HTTPInvokerConfig configures the HTTP invoker.
type HTTPInvokerConfig struct {
	// BaseURL of the agent gateway, e.g. "http://localhost:8700".
	BaseURL string
	// Timeout per invocation. Zero means the 120s default; agent
	// generations are slow, callers should not assume low latency.
	Timeout time.Duration
	// MaxResponseBody caps the response read. Zero means 10MB.
	MaxResponseBody int64
}

// HTTPInvoker calls an agent gateway over HTTP:
// POST {base}/agents/{id}/invoke with {"instructions": ...},
// expecting {"content": ..., "agent_name": ..., "agent_role": ...}.
type HTTPInvoker struct {
	cfg    HTTPInvokerConfig
	client *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker for the given gateway.
func NewHTTPInvoker(cfg HTTPInvokerConfig) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPInvoker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type invokeRequest struct {
	Instructions string `json:"instructions"`
}

func (inv *HTTPInvoker) Invoke(ctx context.Context, agentID, instructions string) (*Result, error) {
	body, err := json.Marshal(invokeRequest{Instructions: instructions})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvocationFailed, "encode invocation request").WithCause(err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", inv.cfg.BaseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvocationFailed, "build invocation request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocationFailed,
			"invoke agent %s: %s", agentID, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, inv.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocationFailed,
			"read invocation response for agent %s: %s", agentID, err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeInvocationFailed,
			"agent %s returned status %d", agentID, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(data)})
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocationFailed,
			"decode invocation response for agent %s: %s", agentID, err.Error()).WithCause(err)
	}
	if result.Content == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvocationFailed,
			"agent %s returned empty content", agentID)
	}
	return &result, nil
}
