package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the driver's view of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

func stateOf(status Status) State {
	switch status {
	case StatusProcessing:
		return StateRunning
	case StatusSucceeded:
		return StateSucceeded
	case StatusFailed, StatusCanceled:
		return StateFailed
	default:
		return StatePending
	}
}

// Clock abstracts time so the poll loop can run without real waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observer is told about every poll and the final state.
type Observer interface {
	ObservePoll(model string)
	ObserveJob(model string, state State, elapsed time.Duration)
}

type DriverConfig struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	MaxPollErrors int
	AllowHTTP     bool
}

// Driver submits one job and polls it to a terminal state.
type Driver struct {
	backend  Backend
	cfg      DriverConfig
	clock    Clock
	observer Observer
	logger   *slog.Logger
}

type DriverOption func(*Driver)

func WithClock(c Clock) DriverOption {
	return func(d *Driver) { d.clock = c }
}

func WithObserver(o Observer) DriverOption {
	return func(d *Driver) { d.observer = o }
}

func NewDriver(backend Backend, cfg DriverConfig, opts ...DriverOption) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 3
	}
	d := &Driver{backend: backend, cfg: cfg, clock: realClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result is a succeeded job with its canonical output URL.
type Result struct {
	JobID     string
	OutputURL string
	Polls     int
	Elapsed   time.Duration
}

// Run submits the job once and polls until it succeeds, fails or the timeout passes.
// Failed jobs are never resubmitted.
func (d *Driver) Run(ctx context.Context, model string, input map[string]any) (*Result, error) {
	started := d.clock.Now()
	deadline := started.Add(d.cfg.Timeout)

	job, err := d.backend.Submit(ctx, model, input)
	if err != nil {
		d.finish(model, StateFailed, started)
		return nil, fmt.Errorf("failed to submit inference job: %w", err)
	}
	d.logger.Info("Inference job submitted", "jobID", job.ID, "model", model)

	state := stateOf(job.Status)
	polls, pollErrors := 0, 0
	for {
		switch state {
		case StateSucceeded:
			url, err := NormalizeOutput(job.Output, d.cfg.AllowHTTP)
			if err != nil {
				d.finish(model, StateFailed, started)
				return nil, err
			}
			d.finish(model, StateSucceeded, started)
			return &Result{JobID: job.ID, OutputURL: url, Polls: polls, Elapsed: d.clock.Now().Sub(started)}, nil

		case StateFailed:
			d.finish(model, StateFailed, started)
			reason := job.Error
			if reason == "" {
				reason = string(job.Status)
			}
			return nil, &JobFailedError{JobID: job.ID, Reason: reason}
		}

		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			d.finish(model, StateTimedOut, started)
			d.logger.Warn("Inference job timed out", "jobID", job.ID, "timeout", d.cfg.Timeout, "polls", polls)
			return nil, fmt.Errorf("%w after %s (job %s, last state %s)", ErrTimeout, d.cfg.Timeout, job.ID, state)
		}

		if err := d.clock.Sleep(ctx, min(d.cfg.PollInterval, remaining)); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				d.finish(model, StateTimedOut, started)
				d.logger.Warn("Inference job outlived its context deadline", "jobID", job.ID, "polls", polls)
				return nil, fmt.Errorf("%w: %w (job %s, last state %s)", ErrTimeout, err, job.ID, state)
			}
			return nil, fmt.Errorf("inference polling interrupted: %w", err)
		}

		next, err := d.backend.Get(ctx, job.ID)
		polls++
		if d.observer != nil {
			d.observer.ObservePoll(model)
		}
		if err != nil {
			pollErrors++
			d.logger.Warn("Inference poll failed", "jobID", job.ID, "attempt", pollErrors, "error", err)
			if pollErrors >= d.cfg.MaxPollErrors {
				d.finish(model, StateFailed, started)
				return nil, &JobFailedError{JobID: job.ID, Reason: fmt.Sprintf("status unavailable: %v", err)}
			}
			continue
		}
		pollErrors = 0
		job = next
		if newState := stateOf(job.Status); newState != state {
			d.logger.Debug("Inference job state changed", "jobID", job.ID, "from", state, "to", newState)
			state = newState
		}
	}
}

func (d *Driver) finish(model string, state State, started time.Time) {
	if d.observer != nil {
		d.observer.ObserveJob(model, state, d.clock.Now().Sub(started))
	}
}
