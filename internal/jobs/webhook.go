package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const KindWebhook = "webhook"

// maxResponseBody caps how much of an error response is kept in the job row.
const maxResponseBody = 4 << 10

// WebhookRequest is the data of a webhook job.
type WebhookRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type webhookJob struct {
	client *http.Client
	req    WebhookRequest
}

// NewWebhookFactory builds webhook jobs that send through client.
func NewWebhookFactory(client *http.Client) Factory {
	if client == nil {
		client = http.DefaultClient
	}
	return Versioned(func(req WebhookRequest) (Runnable, error) {
		if req.URL == "" {
			return nil, fmt.Errorf("URL is required")
		}
		return &webhookJob{client: client, req: req}, nil
	}, 1)
}

func (j *webhookJob) Run(ctx context.Context, jobID string) error {
	return doRequest(ctx, j.client, j.req, jobID)
}

// doRequest sends req and treats any 4xx or 5xx status as an error.
func doRequest(ctx context.Context, client *http.Client, req WebhookRequest, idempotencyKey string) error {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
