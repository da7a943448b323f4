package inference

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Status is the backend's job status.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Job is one prediction as reported by the backend. Output keeps the raw JSON until it is normalized.
type Job struct {
	ID     string
	Model  string
	Status Status
	Output string
	Error  string
}

// Backend submits and polls inference jobs.
type Backend interface {
	Submit(ctx context.Context, model string, input map[string]any) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
}

var (
	ErrTimeout         = errors.New("inference job timed out")
	ErrMalformedOutput = errors.New("malformed inference output")
)

// JobFailedError is a job the backend reported as failed or canceled.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("inference job %s failed: %s", e.JobID, e.Reason)
}

// outputShape is how a succeeded job encoded its result.
type outputShape int

const (
	shapeUnknown outputShape = iota
	shapeString
	shapeArray
)

func classifyOutput(res gjson.Result) outputShape {
	switch {
	case res.Type == gjson.String:
		return shapeString
	case res.IsArray():
		return shapeArray
	default:
		return shapeUnknown
	}
}

// NormalizeOutput turns a raw job output into one canonical image URL. The output may be
// a URL string or an array whose first element is a URL string; anything else is malformed.
func NormalizeOutput(raw string, allowHTTP bool) (string, error) {
	res := gjson.Parse(raw)

	var candidate gjson.Result
	switch classifyOutput(res) {
	case shapeString:
		candidate = res
	case shapeArray:
		items := res.Array()
		if len(items) == 0 {
			return "", fmt.Errorf("%w: empty array", ErrMalformedOutput)
		}
		candidate = items[0]
		if candidate.Type != gjson.String {
			return "", fmt.Errorf("%w: first element is not a string", ErrMalformedOutput)
		}
	default:
		return "", fmt.Errorf("%w: unexpected output %q", ErrMalformedOutput, truncate(raw, 80))
	}

	return validateURL(strings.TrimSpace(candidate.Str), allowHTTP)
}

func validateURL(raw string, allowHTTP bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && !(allowHTTP && scheme == "http") {
		return "", fmt.Errorf("%w: %q is not an https url", ErrMalformedOutput, truncate(raw, 80))
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrMalformedOutput, truncate(raw, 80))
	}
	return u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
