// Package pipeline runs one room restyling request from credit admission to the delivered result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomstudio/roomstudio/internal/attempts"
	"github.com/roomstudio/roomstudio/internal/events"
	"github.com/roomstudio/roomstudio/internal/inference"
	"github.com/roomstudio/roomstudio/internal/ledger"
	"github.com/roomstudio/roomstudio/internal/metrics"
	"github.com/roomstudio/roomstudio/internal/models"
	"github.com/roomstudio/roomstudio/internal/prompt"
	"github.com/roomstudio/roomstudio/internal/storage"
)

// Stage names used in attempt status, logs and metrics.
const (
	StageAdmission = "admission"
	StageInput     = "input"
	StagePrompt    = "prompt"
	StageInference = "inference"
	StageFetch     = "fetch"
	StageOutput    = "output"
	StageCommit    = "commit"
)

type CreditLedger interface {
	Admit(ctx context.Context, identityID string) (*ledger.Reservation, error)
	Commit(ctx context.Context, res *ledger.Reservation, rec models.GenerationRecord) (*ledger.CommitResult, error)
}

type PromptBuilder interface {
	Build(ctx context.Context, req models.GenerationRequest) prompt.Plan
}

type JobRunner interface {
	Run(ctx context.Context, model string, input map[string]any) (*inference.Result, error)
}

type ResultFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type AttemptTracker interface {
	Begin(ctx context.Context, attemptID, userID string) (*models.AttemptStatus, error)
	Update(ctx context.Context, status models.AttemptStatus) error
}

type Config struct {
	MaxUploadSize int64

	// InferenceTimeout bounds the inference stage, which no longer follows the caller's context.
	InferenceTimeout time.Duration

	// FinishTimeout is a fresh budget for fetch, output storage and the ledger commit,
	// started once the inference job has returned.
	FinishTimeout time.Duration
}

type Deps struct {
	Ledger    CreditLedger
	Store     storage.BlobStore
	Prompts   PromptBuilder
	Runner    JobRunner
	Fetcher   ResultFetcher
	Attempts  AttemptTracker
	Publisher events.Publisher
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

type Pipeline struct {
	ledger    CreditLedger
	store     storage.BlobStore
	prompts   PromptBuilder
	runner    JobRunner
	fetcher   ResultFetcher
	attempts  AttemptTracker
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 6 * time.Minute
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = 2 * time.Minute
	}
	p := &Pipeline{
		ledger:    deps.Ledger,
		store:     deps.Store,
		prompts:   deps.Prompts,
		runner:    deps.Runner,
		fetcher:   deps.Fetcher,
		attempts:  deps.Attempts,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
	if p.publisher == nil {
		p.publisher = events.LogPublisher{}
	}
	if p.metrics == nil {
		p.metrics = metrics.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// attempt is the per-request state threaded through the stages.
type attempt struct {
	req      models.GenerationRequest
	inputURL string
	stage    string
}

// Run executes the stages in order and returns the delivered result. Every error it returns
// is a *models.PipelineError. Nothing is charged unless the output is stored and committed.
func (p *Pipeline) Run(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error) {
	if req.IdentityID == "" {
		return nil, models.NewPipelineError(models.ErrUnauthenticated, "Authentication required", nil)
	}
	if perr := p.validate(req); perr != nil {
		return nil, perr
	}
	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}
	a := &attempt{req: req, stage: StageAdmission}

	prev, err := p.attempts.Begin(ctx, req.AttemptID, req.IdentityID)
	if errors.Is(err, attempts.ErrContended) {
		return nil, models.NewPipelineError(models.ErrDuplicateAttempt, "This generation is already in progress", err)
	}
	if err != nil {
		return nil, models.NewPipelineError(models.ErrInternal, "Failed to start generation", err)
	}
	if prev != nil {
		if prev.UserID == req.IdentityID && prev.Status == models.AttemptSucceeded && prev.Result != nil {
			p.logger.Info("Replaying completed generation", "attemptID", req.AttemptID, "userID", req.IdentityID)
			return prev.Result, nil
		}
		return nil, models.NewPipelineError(models.ErrDuplicateAttempt, "This generation is already in progress", nil)
	}

	started := p.now()
	reservation, err := p.ledger.Admit(ctx, req.IdentityID)
	p.observe(StageAdmission, started)
	if err != nil {
		return nil, p.fail(ctx, a, admissionError(err))
	}
	defer func() {
		if err := reservation.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Error("Failed to release credit hold", "attemptID", req.AttemptID, "userID", req.IdentityID, "error", err)
		}
	}()
	if !reservation.Privileged {
		p.metrics.CreditsReserved()
	}
	p.metrics.GenerationStarted()
	p.logger.Info("Generation admitted", "attemptID", req.AttemptID, "userID", req.IdentityID, "privileged", reservation.Privileged, "credits", reservation.Balance)

	p.advance(ctx, a, StageInput)
	started = p.now()
	contentType := storage.ContentType(req.Image)
	inputPath := storage.ArtifactPath(req.IdentityID, storage.KindInput, storage.Extension(req.ImageName, contentType), p.now())
	a.inputURL, err = p.store.Put(ctx, inputPath, req.Image, contentType)
	p.observe(StageInput, started)
	if err != nil {
		return nil, p.fail(ctx, a, models.NewPipelineError(models.ErrStorageWriteFailed, "Failed to store the uploaded image", err))
	}

	p.advance(ctx, a, StagePrompt)
	started = p.now()
	plan := p.prompts.Build(ctx, req)
	p.observe(StagePrompt, started)
	p.logger.Debug("Prompt assembled", "attemptID", req.AttemptID, "model", plan.Model, "source", plan.Source, "creativity", plan.Creativity)

	// From here the inference job cannot be recalled, so the bookkeeping must finish
	// even when the caller goes away.
	infer, cancelInfer := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.InferenceTimeout)
	defer cancelInfer()

	p.advance(infer, a, StageInference)
	started = p.now()
	job, err := p.runner.Run(infer, plan.Model, plan.Input(a.inputURL))
	p.observe(StageInference, started)
	if err != nil {
		return nil, p.fail(infer, a, inferenceError(err))
	}
	p.logger.Info("Inference job succeeded", "attemptID", req.AttemptID, "jobID", job.JobID, "polls", job.Polls, "elapsed", job.Elapsed)

	// Fetch, rehost and commit start a fresh budget once the job has returned.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinishTimeout)
	defer cancel()

	p.advance(work, a, StageFetch)
	started = p.now()
	data, outputType, err := p.fetcher.Fetch(work, job.OutputURL)
	p.observe(StageFetch, started)
	if err != nil {
		return nil, p.fail(work, a, models.NewPipelineError(models.ErrResultFetchFailed, "Failed to download the generated image", err))
	}

	p.advance(work, a, StageOutput)
	started = p.now()
	outputPath := storage.ArtifactPath(req.IdentityID, storage.KindOutput, storage.Extension("", outputType), p.now())
	outputURL, err := p.store.Put(work, outputPath, data, outputType)
	p.observe(StageOutput, started)
	if err != nil {
		return nil, p.fail(work, a, models.NewPipelineError(models.ErrStorageWriteFailed, "Failed to store the generated image", err))
	}

	p.advance(work, a, StageCommit)
	started = p.now()
	committed, err := p.ledger.Commit(work, reservation, models.GenerationRecord{
		UserID:         req.IdentityID,
		AttemptID:      req.AttemptID,
		Prompt:         plan.Prompt,
		Style:          req.Style,
		RoomType:       req.RoomType,
		InputImageURL:  a.inputURL,
		OutputImageURL: outputURL,
	})
	p.observe(StageCommit, started)
	if err != nil {
		return nil, p.commitFailed(work, a, outputURL, err)
	}

	result := &models.GenerationResult{
		AttemptID:        req.AttemptID,
		GenerationID:     committed.Record.ID,
		OutputURL:        outputURL,
		InputURL:         a.inputURL,
		Prompt:           plan.Prompt,
		CreditsRemaining: committed.CreditsRemaining,
	}
	p.succeed(work, a, result, reservation.Privileged)
	return result, nil
}

func (p *Pipeline) validate(req models.GenerationRequest) *models.PipelineError {
	switch {
	case len(req.Image) == 0:
		return models.NewMissingFieldError("image")
	case strings.TrimSpace(req.Style) == "":
		return models.NewMissingFieldError("style")
	case strings.TrimSpace(req.RoomType) == "":
		return models.NewMissingFieldError("roomType")
	}
	if p.cfg.MaxUploadSize > 0 && int64(len(req.Image)) > p.cfg.MaxUploadSize {
		return models.NewPipelineError(models.ErrInvalidImage,
			fmt.Sprintf("Image is larger than the %d MB upload limit", p.cfg.MaxUploadSize>>20), nil)
	}
	if storage.ContentType(req.Image) == "" {
		return models.NewPipelineError(models.ErrInvalidImage, "Image must be a PNG, JPEG or WebP file", nil)
	}
	return nil
}

func admissionError(err error) *models.PipelineError {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return models.NewInsufficientCreditsError()
	case errors.Is(err, ledger.ErrProfileNotFound):
		return models.NewPipelineError(models.ErrProfileNotFound, "Usage profile not found", err)
	default:
		return models.NewPipelineError(models.ErrInternal, "Failed to check credits", err)
	}
}

func inferenceError(err error) *models.PipelineError {
	var failed *inference.JobFailedError
	switch {
	case errors.As(err, &failed):
		return models.NewInferenceFailedError(failed.Reason, err)
	case errors.Is(err, inference.ErrTimeout):
		return models.NewPipelineError(models.ErrInferenceTimeout, "Image generation timed out", err)
	case errors.Is(err, inference.ErrMalformedOutput):
		return models.NewPipelineError(models.ErrMalformedInferenceOutput, "Image generation returned an unusable result", err)
	default:
		var apiErr *inference.APIError
		if errors.As(err, &apiErr) {
			return models.NewInferenceFailedError(apiErr.Detail, err)
		}
		return models.NewInferenceFailedError("the inference service is unavailable", err)
	}
}

func (p *Pipeline) commitFailed(ctx context.Context, a *attempt, outputURL string, err error) error {
	if errors.Is(err, ledger.ErrDuplicateAttempt) {
		return p.fail(ctx, a, models.NewPipelineError(models.ErrDuplicateAttempt, "This generation was already recorded", err))
	}

	perr := models.NewPipelineError(models.ErrLedgerCommitFailed, "The image was generated but could not be recorded; it will be reconciled", err)
	p.logger.Error("Ledger commit failed, output needs reconciliation",
		"attemptID", a.req.AttemptID, "userID", a.req.IdentityID, "outputURL", outputURL, "error", err)
	p.finish(ctx, a, perr)
	p.publish(ctx, models.GenerationEvent{
		Type:      models.EventLedgerCommitFailed,
		AttemptID: a.req.AttemptID,
		UserID:    a.req.IdentityID,
		InputURL:  a.inputURL,
		OutputURL: outputURL,
		Code:      perr.Kind,
		Reason:    err.Error(),
	})
	return perr
}

// fail records a failed attempt and returns perr.
func (p *Pipeline) fail(ctx context.Context, a *attempt, perr *models.PipelineError) error {
	level := slog.LevelError
	if perr.HTTPStatus() < 500 {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "Generation failed",
		"attemptID", a.req.AttemptID, "userID", a.req.IdentityID, "stage", a.stage, "code", perr.Kind, "error", perr)

	p.finish(ctx, a, perr)
	p.publish(ctx, models.GenerationEvent{
		Type:      models.EventGenerationFailed,
		AttemptID: a.req.AttemptID,
		UserID:    a.req.IdentityID,
		InputURL:  a.inputURL,
		Code:      perr.Kind,
		Reason:    perr.Message,
	})
	return perr
}

func (p *Pipeline) finish(ctx context.Context, a *attempt, perr *models.PipelineError) {
	p.metrics.GenerationFailed(perr.Kind)
	p.track(ctx, models.AttemptStatus{
		AttemptID: a.req.AttemptID,
		UserID:    a.req.IdentityID,
		Status:    models.AttemptFailed,
		Stage:     a.stage,
		Error:     perr.Message,
		Code:      perr.Kind,
	})
}

func (p *Pipeline) succeed(ctx context.Context, a *attempt, result *models.GenerationResult, privileged bool) {
	p.metrics.GenerationSucceeded(privileged)
	p.track(ctx, models.AttemptStatus{
		AttemptID: a.req.AttemptID,
		UserID:    a.req.IdentityID,
		Status:    models.AttemptSucceeded,
		Stage:     a.stage,
		Result:    result,
	})
	p.publish(ctx, models.GenerationEvent{
		Type:         models.EventGenerationCompleted,
		AttemptID:    a.req.AttemptID,
		UserID:       a.req.IdentityID,
		GenerationID: result.GenerationID,
		InputURL:     result.InputURL,
		OutputURL:    result.OutputURL,
	})
	p.logger.Info("Generation completed", "attemptID", a.req.AttemptID, "userID", a.req.IdentityID, "generationID", result.GenerationID)
}

func (p *Pipeline) advance(ctx context.Context, a *attempt, stage string) {
	a.stage = stage
	p.track(ctx, models.AttemptStatus{
		AttemptID: a.req.AttemptID,
		UserID:    a.req.IdentityID,
		Status:    models.AttemptRunning,
		Stage:     stage,
	})
}

// track is best effort; the status store never fails a generation.
func (p *Pipeline) track(ctx context.Context, status models.AttemptStatus) {
	if err := p.attempts.Update(context.WithoutCancel(ctx), status); err != nil {
		p.logger.Warn("Failed to update attempt status", "attemptID", status.AttemptID, "status", status.Status, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, event models.GenerationEvent) {
	event.OccurredAt = p.now().UTC()
	if err := p.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("Failed to publish generation event", "type", event.Type, "attemptID", event.AttemptID, "error", err)
	}
}

func (p *Pipeline) observe(stage string, started time.Time) {
	p.metrics.ObserveStage(stage, p.now().Sub(started))
}
