// Package agenthttp implements the agent invocation contract over HTTP:
// the request is POSTed as JSON to the agent endpoint and the response body
// carries the agent's output or error.
package agenthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/TeamForge/internal/logger"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
)

// maxResponseBytes bounds how much of an agent reply is read.
const maxResponseBytes = 8 << 20

// Invoker calls agents over HTTP. Deadlines come from the caller's context.
type Invoker struct {
	httpClient *http.Client
	userAgent  string
}

// New creates an Invoker whose transport is traced with OpenTelemetry.
func New() *Invoker {
	return &Invoker{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		userAgent:  "teamforge-engine",
	}
}

// Invoke POSTs req to endpoint. A 4xx/5xx answer carrying a JSON error
// body is returned as an agent-reported error; anything else is a
// transport failure.
func (i *Invoker) Invoke(ctx context.Context, endpoint string, req *invoker.Request) (*invoker.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", i.userAgent)
	if id := logger.RequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}
	httpReq.Header.Set("X-TeamForge-Run", req.RunID)

	resp, err := i.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("agent response exceeds %d bytes", maxResponseBytes)
	}

	var out invoker.Response
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode >= 400 {
		if decodeErr == nil && out.Error != "" {
			return &invoker.Response{Error: out.Error}, nil
		}
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, truncate(data, 256))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
