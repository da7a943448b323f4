package pipeline

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomstudio/roomstudio/internal/attempts"
	"github.com/roomstudio/roomstudio/internal/inference"
	"github.com/roomstudio/roomstudio/internal/ledger"
	"github.com/roomstudio/roomstudio/internal/metrics"
	"github.com/roomstudio/roomstudio/internal/models"
	"github.com/roomstudio/roomstudio/internal/prompt"
	"github.com/roomstudio/roomstudio/internal/storage"
)

const (
	userID       = "6f1c2d9e-8d4b-4d53-9f55-0b8f3c2b7a10"
	transientURL = "https://cdn/x.png"
	publicBase   = "https://storage.example.com/generations"
)

var (
	pngBytes    = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")
	profileCols = []string{"id", "email", "credits", "privileged", "created_at"}
	testModels  = prompt.Models{Restyle: "stability-ai/sdxl:abc", Creative: "black-forest-labs/flux-schnell"}

	profileSQL = regexp.QuoteMeta("SELECT id, email, credits, privileged, created_at FROM profiles WHERE id = $1")
	insertSQL  = regexp.QuoteMeta("INSERT INTO generations (id, user_id, attempt_id, prompt, style, room_type, input_image_url, output_image_url)")
	updateSQL  = regexp.QuoteMeta("UPDATE profiles SET credits = credits - 1")
	txSQL      = regexp.QuoteMeta("INSERT INTO credit_transactions")
)

// fakeBackend hands out scripted jobs, one per submission, and reports the current one on every poll.
type fakeBackend struct {
	mu       sync.Mutex
	jobs     []inference.Job
	current  inference.Job
	inputs   []map[string]any
	onSubmit func()
}

func (b *fakeBackend) Submit(_ context.Context, model string, input map[string]any) (inference.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, input)
	if b.onSubmit != nil {
		b.onSubmit()
	}
	if len(b.jobs) == 0 {
		return inference.Job{}, errors.New("no job scripted")
	}
	b.current = b.jobs[0]
	b.current.Model = model
	if len(b.jobs) > 1 {
		b.jobs = b.jobs[1:]
	}
	return b.current, nil
}

func (b *fakeBackend) Get(context.Context, string) (inference.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, nil
}

type stubFetcher struct {
	bodies map[string][]byte
	err    error
	ctxErr error
	delay  time.Duration
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.delay):
		}
	}
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, "", f.err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return body, "image/png", nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.GenerationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event models.GenerationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// slowRunner returns a finished job after delay unless ctx ends first.
type slowRunner struct {
	delay time.Duration
}

func (r slowRunner) Run(ctx context.Context, _ string, _ map[string]any) (*inference.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.delay):
		return &inference.Result{JobID: "pred-slow", OutputURL: transientURL, Elapsed: r.delay}, nil
	}
}

// failingStore refuses writes whose path contains failOn.
type failingStore struct {
	storage.BlobStore
	failOn string
}

func (s failingStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if strings.Contains(path, s.failOn) {
		return "", errors.New("bucket unavailable")
	}
	return s.BlobStore.Put(ctx, path, data, contentType)
}

// permanentOutput matches a stored output URL, never the backend's transient one.
type permanentOutput struct{}

func (permanentOutput) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, publicBase+"/"+userID+"/output/")
}

type harness struct {
	pipeline  *Pipeline
	sql       sqlmock.Sqlmock
	redis     *miniredis.Miniredis
	store     *storage.LocalStore
	backend   *fakeBackend
	fetcher   *stubFetcher
	publisher *recordingPublisher
	deps      Deps
	cfg       Config
}

func newHarness(t *testing.T, mutators ...func(h *harness)) *harness {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := storage.NewLocalStore(t.TempDir(), publicBase)
	require.NoError(t, err)

	h := &harness{
		sql:       mock,
		redis:     mr,
		store:     store,
		backend:   &fakeBackend{jobs: []inference.Job{{ID: "pred-1", Status: inference.StatusSucceeded, Output: `["` + transientURL + `"]`}}},
		fetcher:   &stubFetcher{bodies: map[string][]byte{transientURL: pngBytes}},
		publisher: &recordingPublisher{},
	}
	h.deps = Deps{
		Ledger:    ledger.New(sqlx.NewDb(mockDB, "sqlmock"), rdb, time.Minute),
		Store:     store,
		Prompts:   prompt.NewAssembler(testModels),
		Runner:    inference.NewDriver(h.backend, inference.DriverConfig{PollInterval: time.Millisecond, Timeout: time.Second}),
		Fetcher:   h.fetcher,
		Attempts:  attempts.NewTracker(rdb, time.Hour),
		Publisher: h.publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.cfg = Config{MaxUploadSize: 1 << 20, InferenceTimeout: 5 * time.Second, FinishTimeout: 5 * time.Second}
	for _, m := range mutators {
		m(h)
	}
	h.pipeline = New(h.deps, h.cfg)
	return h
}

func (h *harness) expectProfile(credits int, privileged bool) {
	h.sql.ExpectQuery(profileSQL).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(profileCols).AddRow(userID, "ada@example.com", credits, privileged, time.Now()))
}

func (h *harness) expectCommit(remaining int) {
	h.sql.ExpectBegin()
	h.sql.ExpectQuery(insertSQL).
		WithArgs(sqlmock.AnyArg(), userID, sqlmock.AnyArg(), sqlmock.AnyArg(), "Modern", "Living Room", sqlmock.AnyArg(), permanentOutput{}).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	h.sql.ExpectQuery(updateSQL).WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(remaining))
	h.sql.ExpectExec(txSQL).WithArgs(userID, sqlmock.AnyArg(), -1, remaining).
		WillReturnResult(sqlmock.NewResult(1, 1))
	h.sql.ExpectCommit()
}

func (h *harness) artifacts(t *testing.T, kind storage.ArtifactKind) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(h.store.RootDir(), userID, string(kind), "*"))
	require.NoError(t, err)
	return files
}

func (h *harness) holdReleased(t *testing.T) {
	t.Helper()
	assert.False(t, h.redis.Exists("credits:hold:"+userID), "credit hold must be released")
}

func validRequest() models.GenerationRequest {
	return models.GenerationRequest{
		IdentityID: userID,
		Image:      pngBytes,
		ImageName:  "room.png",
		Style:      "Modern",
		RoomType:   "Living Room",
	}
}

func pipelineKind(t *testing.T, err error) models.ErrorKind {
	t.Helper()
	var perr *models.PipelineError
	require.ErrorAs(t, err, &perr)
	return perr.Kind
}

func TestSuccessfulGenerationCharges(t *testing.T) {
	h := newHarness(t)
	h.expectProfile(3, false)
	h.expectCommit(2)

	result, err := h.pipeline.Run(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, result.GenerationID)
	assert.NotEmpty(t, result.AttemptID)
	assert.True(t, strings.HasPrefix(result.OutputURL, publicBase+"/"+userID+"/output/"), result.OutputURL)
	assert.True(t, strings.HasPrefix(result.InputURL, publicBase+"/"+userID+"/input/"), result.InputURL)
	assert.Contains(t, result.Prompt, "Modern Living Room")
	require.NotNil(t, result.CreditsRemaining)
	assert.Equal(t, 2, *result.CreditsRemaining)

	assert.Len(t, h.artifacts(t, storage.KindInput), 1)
	assert.Len(t, h.artifacts(t, storage.KindOutput), 1)
	assert.Equal(t, []string{models.EventGenerationCompleted}, h.publisher.types())
	assert.NoError(t, h.sql.ExpectationsWereMet())
	h.holdReleased(t)

	require.Len(t, h.backend.inputs, 1)
	assert.Equal(t, result.InputURL, h.backend.inputs[0]["image"])
	assert.Equal(t, 0.60, h.backend.inputs[0]["image_strength"])

	status, err := attempts.NewTracker(redis.NewClient(&redis.Options{Addr: h.redis.Addr()}), time.Hour).Get(context.Background(), result.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSucceeded, status.Status)
	assert.Equal(t, result.GenerationID, status.Result.GenerationID)
}

func TestNoCreditsIsRefused(t *testing.T) {
	h := newHarness(t)
	h.expectProfile(0, false)

	_, err := h.pipeline.Run(context.Background(), validRequest())

	var perr *models.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.ErrInsufficientCredits, perr.Kind)
	assert.Equal(t, 402, perr.HTTPStatus())
	assert.Contains(t, strings.ToLower(perr.Message), "credit")

	assert.Empty(t, h.artifacts(t, storage.KindInput), "storage must be untouched")
	assert.Empty(t, h.backend.inputs)
	assert.NoError(t, h.sql.ExpectationsWereMet())
}

func TestInferenceFailureKeepsInput(t *testing.T) {
	h := newHarness(t)
	h.backend.jobs = []inference.Job{{ID: "pred-oom", Status: inference.StatusFailed, Error: "OOM"}}
	h.expectProfile(3, false)

	_, err := h.pipeline.Run(context.Background(), validRequest())

	var perr *models.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.ErrInferenceFailed, perr.Kind)
	assert.Equal(t, 500, perr.HTTPStatus())
	assert.Contains(t, perr.Message, "OOM")

	assert.Len(t, h.artifacts(t, storage.KindInput), 1, "input artifact stays after inference failure")
	assert.Empty(t, h.artifacts(t, storage.KindOutput))
	assert.NoError(t, h.sql.ExpectationsWereMet(), "credits unchanged")
	h.holdReleased(t)
	assert.Equal(t, []string{models.EventGenerationFailed}, h.publisher.types())
}

func TestOutputIsRehosted(t *testing.T) {
	h := newHarness(t)
	h.expectProfile(1, false)
	h.expectCommit(0)

	result, err := h.pipeline.Run(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEqual(t, transientURL, result.OutputURL)
	outputs := h.artifacts(t, storage.KindOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, publicBase+"/"+userID+"/output/"+filepath.Base(outputs[0]), result.OutputURL)
	assert.NoError(t, h.sql.ExpectationsWereMet(), "record carries the permanent URL")
}

func TestPrivilegedIsNotCharged(t *testing.T) {
	h := newHarness(t)
	h.expectProfile(0, true)
	h.sql.ExpectBegin()
	h.sql.ExpectQuery(insertSQL).WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	h.sql.ExpectCommit()

	result, err := h.pipeline.Run(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Nil(t, result.CreditsRemaining)
	assert.NoError(t, h.sql.ExpectationsWereMet())
}

func TestRejectsBeforeSideEffects(t *testing.T) {
	oversized := append(append([]byte{}, pngBytes...), make([]byte, 2<<20)...)
	cases := map[string]struct {
		mutate func(*models.GenerationRequest)
		kind   models.ErrorKind
		status int
	}{
		"unauthenticated": {func(r *models.GenerationRequest) { r.IdentityID = "" }, models.ErrUnauthenticated, 401},
		"missing image":   {func(r *models.GenerationRequest) { r.Image = nil }, models.ErrMissingRequiredField, 400},
		"missing style":   {func(r *models.GenerationRequest) { r.Style = "  " }, models.ErrMissingRequiredField, 400},
		"missing room":    {func(r *models.GenerationRequest) { r.RoomType = "" }, models.ErrMissingRequiredField, 400},
		"not an image":    {func(r *models.GenerationRequest) { r.Image = []byte("%PDF-1.4") }, models.ErrInvalidImage, 400},
		"too large":       {func(r *models.GenerationRequest) { r.Image = oversized }, models.ErrInvalidImage, 400},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tc.mutate(&req)

			_, err := h.pipeline.Run(context.Background(), req)

			var perr *models.PipelineError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.kind, perr.Kind)
			assert.Equal(t, tc.status, perr.HTTPStatus())
			assert.Empty(t, h.artifacts(t, storage.KindInput))
			assert.NoError(t, h.sql.ExpectationsWereMet())
			assert.Empty(t, h.redis.Keys())
		})
	}

	t.Run("missing field names the field", func(t *testing.T) {
		h := newHarness(t)
		req := validRequest()
		req.RoomType = ""
		_, err := h.pipeline.Run(context.Background(), req)
		assert.Contains(t, err.Error(), "roomType is required")
	})
}

func TestProfileNotFound(t *testing.T) {
	h := newHarness(t)
	h.sql.ExpectQuery(profileSQL).WithArgs(userID).WillReturnError(sql.ErrNoRows)

	_, err := h.pipeline.Run(context.Background(), validRequest())
	assert.Equal(t, models.ErrProfileNotFound, pipelineKind(t, err))
	assert.Empty(t, h.artifacts(t, storage.KindInput))
}

// Whatever stage fails, the balance is never decremented and the hold is given back.
func TestNoChargeOnFailure(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(h *harness)
		expect  func(h *harness)
		kind    models.ErrorKind
		outputs int
	}{
		{
			name:   "input store",
			mutate: func(h *harness) { h.deps.Store = failingStore{BlobStore: h.store, failOn: "/input/"} },
			kind:   models.ErrStorageWriteFailed,
		},
		{
			name:   "inference failed",
			mutate: func(h *harness) { h.backend.jobs = []inference.Job{{ID: "p", Status: inference.StatusFailed, Error: "NSFW content detected"}} },
			kind:   models.ErrInferenceFailed,
		},
		{
			name: "inference timeout",
			mutate: func(h *harness) {
				h.backend.jobs = []inference.Job{{ID: "p", Status: inference.StatusProcessing}}
				h.deps.Runner = inference.NewDriver(h.backend, inference.DriverConfig{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
			},
			kind: models.ErrInferenceTimeout,
		},
		{
			name:   "malformed output",
			mutate: func(h *harness) { h.backend.jobs = []inference.Job{{ID: "p", Status: inference.StatusSucceeded, Output: `"not-a-url"`}} },
			kind:   models.ErrMalformedInferenceOutput,
		},
		{
			name:   "result fetch",
			mutate: func(h *harness) { h.fetcher.err = errors.New("410 gone") },
			kind:   models.ErrResultFetchFailed,
		},
		{
			name:   "output store",
			mutate: func(h *harness) { h.deps.Store = failingStore{BlobStore: h.store, failOn: "/output/"} },
			kind:   models.ErrStorageWriteFailed,
		},
		{
			name: "ledger commit",
			expect: func(h *harness) {
				h.sql.ExpectBegin()
				h.sql.ExpectQuery(insertSQL).WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
				h.sql.ExpectQuery(updateSQL).WithArgs(userID).WillReturnError(sql.ErrNoRows)
				h.sql.ExpectRollback()
			},
			kind:    models.ErrLedgerCommitFailed,
			outputs: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var h *harness
			if tc.mutate != nil {
				h = newHarness(t, tc.mutate)
			} else {
				h = newHarness(t)
			}
			h.expectProfile(3, false)
			if tc.expect != nil {
				tc.expect(h)
			}

			_, err := h.pipeline.Run(context.Background(), validRequest())

			assert.Equal(t, tc.kind, pipelineKind(t, err))
			assert.NoError(t, h.sql.ExpectationsWereMet(), "no committed credit decrement")
			assert.Len(t, h.artifacts(t, storage.KindOutput), tc.outputs)
			assert.NotContains(t, h.publisher.types(), models.EventGenerationCompleted)
			h.holdReleased(t)
		})
	}
}

func TestLedgerCommitFailurePublishesReconciliation(t *testing.T) {
	h := newHarness(t)
	h.expectProfile(3, false)
	h.sql.ExpectBegin()
	h.sql.ExpectQuery(insertSQL).WillReturnError(errors.New("connection reset by peer"))
	h.sql.ExpectRollback()

	req := validRequest()
	req.AttemptID = "attempt-reconcile"
	_, err := h.pipeline.Run(context.Background(), req)
	assert.Equal(t, models.ErrLedgerCommitFailed, pipelineKind(t, err))

	require.Len(t, h.publisher.events, 1)
	event := h.publisher.events[0]
	assert.Equal(t, models.EventLedgerCommitFailed, event.Type)
	assert.Equal(t, "attempt-reconcile", event.AttemptID)
	assert.Equal(t, userID, event.UserID)
	assert.True(t, strings.HasPrefix(event.OutputURL, publicBase), event.OutputURL)
	assert.Contains(t, event.Reason, "connection reset")
}

func TestRetryAfterInferenceFailureIsIndependent(t *testing.T) {
	h := newHarness(t)
	h.backend.jobs = []inference.Job{
		{ID: "pred-1", Status: inference.StatusFailed, Error: "OOM"},
		{ID: "pred-2", Status: inference.StatusSucceeded, Output: `"` + transientURL + `"`},
	}
	h.expectProfile(3, false)
	h.expectProfile(3, false)
	h.expectCommit(2)

	_, err := h.pipeline.Run(context.Background(), validRequest())
	require.Equal(t, models.ErrInferenceFailed, pipelineKind(t, err))
	firstInputs := h.artifacts(t, storage.KindInput)
	require.Len(t, firstInputs, 1)

	result, err := h.pipeline.Run(context.Background(), validRequest())
	require.NoError(t, err)

	inputs := h.artifacts(t, storage.KindInput)
	assert.Len(t, inputs, 2, "the retry stores its own input")
	assert.NotEqual(t, publicBase+"/"+userID+"/input/"+filepath.Base(firstInputs[0]), result.InputURL)
	assert.Contains(t, inputs, firstInputs[0], "the failed attempt's input is left as it was")
	require.Len(t, h.backend.inputs, 2)
	assert.NotEqual(t, h.backend.inputs[0]["image"], h.backend.inputs[1]["image"])
	assert.NoError(t, h.sql.ExpectationsWereMet())
}

func TestIdempotencyKey(t *testing.T) {
	t.Run("completed attempt is replayed without charging again", func(t *testing.T) {
		h := newHarness(t)
		h.expectProfile(3, false)
		h.expectCommit(2)

		req := validRequest()
		req.AttemptID = "attempt-replay"
		first, err := h.pipeline.Run(context.Background(), req)
		require.NoError(t, err)

		second, err := h.pipeline.Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.GenerationID, second.GenerationID)
		assert.Len(t, h.backend.inputs, 1)
		assert.NoError(t, h.sql.ExpectationsWereMet())
	})

	t.Run("attempt in flight is a duplicate", func(t *testing.T) {
		h := newHarness(t)
		tracker := attempts.NewTracker(redis.NewClient(&redis.Options{Addr: h.redis.Addr()}), time.Hour)
		_, err := tracker.Begin(context.Background(), "attempt-busy", userID)
		require.NoError(t, err)

		req := validRequest()
		req.AttemptID = "attempt-busy"
		_, err = h.pipeline.Run(context.Background(), req)

		var perr *models.PipelineError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, models.ErrDuplicateAttempt, perr.Kind)
		assert.Equal(t, 409, perr.HTTPStatus())
	})

	t.Run("failed attempt can be retried with the same key", func(t *testing.T) {
		h := newHarness(t)
		h.backend.jobs = []inference.Job{
			{ID: "pred-1", Status: inference.StatusFailed, Error: "OOM"},
			{ID: "pred-2", Status: inference.StatusSucceeded, Output: `"` + transientURL + `"`},
		}
		h.expectProfile(3, false)
		h.expectProfile(3, false)
		h.expectCommit(2)

		req := validRequest()
		req.AttemptID = "attempt-retry"
		_, err := h.pipeline.Run(context.Background(), req)
		require.Error(t, err)

		result, err := h.pipeline.Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "attempt-retry", result.AttemptID)
	})
}

func TestBookkeepingSurvivesCallerDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t)
	h.backend.onSubmit = cancel
	h.expectProfile(3, false)
	h.expectCommit(2)

	result, err := h.pipeline.Run(ctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, result.GenerationID)
	assert.NoError(t, h.fetcher.ctxErr, "work after submission must not see the caller's cancellation")
	assert.NoError(t, h.sql.ExpectationsWereMet())
}

func TestSlowInferenceLeavesBudgetForBookkeeping(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.deps.Runner = slowRunner{delay: 80 * time.Millisecond}
		h.fetcher.delay = 60 * time.Millisecond
		h.cfg.InferenceTimeout = 100 * time.Millisecond
		h.cfg.FinishTimeout = 5 * time.Second
	})
	h.expectProfile(3, false)
	h.expectCommit(2)

	result, err := h.pipeline.Run(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, result.GenerationID)
	assert.NoError(t, h.fetcher.ctxErr, "the download runs on its own budget")
	assert.Len(t, h.artifacts(t, storage.KindOutput), 1)
	assert.NoError(t, h.sql.ExpectationsWereMet())
	h.holdReleased(t)
}

func TestCreativeLevelUsesFreeFormModel(t *testing.T) {
	h := newHarness(t)
	h.expectProfile(3, false)
	h.expectCommit(2)

	req := validRequest()
	req.CreativityLevel = models.CreativityCreative
	_, err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, h.backend.inputs, 1)
	assert.NotContains(t, h.backend.inputs[0], "image_strength")
	assert.Equal(t, testModels.Creative, h.backend.current.Model)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	h := newHarness(t, func(h *harness) { h.deps.Metrics = collector })
	h.backend.jobs = []inference.Job{{ID: "p", Status: inference.StatusFailed, Error: "OOM"}}
	h.expectProfile(3, false)

	_, err := h.pipeline.Run(context.Background(), validRequest())
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "roomstudio_generations_failed_total", "roomstudio_generations_started_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
