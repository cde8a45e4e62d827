package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
)

// webhookParams is the expected JSON structure in task.Parameters.
type webhookParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// webhookResult is the payload recorded on success.
type webhookResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

const maxWebhookResponseBytes = 64 << 10

// WebhookExecutor makes an outbound HTTP call. The client carries no timeout
// of its own: the engine's per-task deadline on ctx bounds the call.
type WebhookExecutor struct {
	client *http.Client
}

// NewWebhookExecutor creates a WebhookExecutor.
func NewWebhookExecutor() *WebhookExecutor {
	return &WebhookExecutor{client: &http.Client{}}
}

func (e *WebhookExecutor) TaskType() string { return "webhook" }

func (e *WebhookExecutor) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "executor.webhook")
	defer span.End()

	var p webhookParams
	if err := json.Unmarshal(task.Parameters, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid parameters")
		return nil, fmt.Errorf("invalid webhook parameters: %w", err)
	}
	if p.URL == "" {
		err := errors.New("webhook parameters missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, err
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", p.Method),
	)

	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("webhook call to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read webhook response from %s: %w", p.URL, err)
	}

	result, err := json.Marshal(webhookResult{StatusCode: resp.StatusCode, Body: string(body)})
	if err != nil {
		return nil, fmt.Errorf("encode webhook result: %w", err)
	}
	return result, nil
}
