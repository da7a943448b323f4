package inference

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

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// APIError is a non-2xx answer from the prediction API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate api returned %d: %s", e.StatusCode, e.Detail)
}

// ReplicateClient implements Backend over the Replicate predictions API.
type ReplicateClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewReplicateClient shares limiter across every outgoing call. A nil limiter means unlimited.
func NewReplicateClient(baseURL, token string, httpClient *http.Client, limiter *rate.Limiter) *ReplicateClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &ReplicateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
		limiter: limiter,
	}
}

// Submit accepts "owner/name:version" for versioned models and "owner/name" for official ones.
func (c *ReplicateClient) Submit(ctx context.Context, model string, input map[string]any) (Job, error) {
	ref, version, _ := strings.Cut(model, ":")
	owner, name, ok := strings.Cut(ref, "/")
	if !ok || owner == "" || name == "" {
		return Job{}, fmt.Errorf("invalid model reference %q", model)
	}

	var path string
	body := map[string]any{"input": input}
	if version != "" {
		path = "/v1/predictions"
		body["version"] = version
	} else {
		path = fmt.Sprintf("/v1/models/%s/%s/predictions", url.PathEscape(owner), url.PathEscape(name))
	}

	job, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return Job{}, err
	}
	job.Model = model
	return job, nil
}

func (c *ReplicateClient) Get(ctx context.Context, jobID string) (Job, error) {
	return c.do(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(jobID), nil)
}

func (c *ReplicateClient) do(ctx context.Context, method, path string, payload any) (Job, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Job{}, fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Job{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Job{}, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Job{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(raw, "detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return Job{}, &APIError{StatusCode: resp.StatusCode, Detail: detail}
	}

	return parseJob(raw)
}

func parseJob(raw []byte) (Job, error) {
	if !gjson.ValidBytes(raw) {
		return Job{}, fmt.Errorf("invalid prediction response")
	}
	fields := gjson.GetManyBytes(raw, "id", "status", "output", "error")
	job := Job{
		ID:     fields[0].String(),
		Status: Status(fields[1].String()),
		Output: fields[2].Raw,
		Error:  fields[3].String(),
	}
	if job.ID == "" {
		return Job{}, fmt.Errorf("prediction response has no id")
	}
	return job, nil
}
