// Package metrics collects and exposes Prometheus metrics for the generation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomstudio/roomstudio/internal/inference"
	"github.com/roomstudio/roomstudio/internal/models"
)

// Recorder is what the pipeline reports to. The Collector implements it, and so does Nop.
type Recorder interface {
	inference.Observer
	GenerationStarted()
	GenerationSucceeded(privileged bool)
	GenerationFailed(kind models.ErrorKind)
	ObserveStage(stage string, d time.Duration)
	CreditsReserved()
	ReconciliationRecorded(stage string)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	started         prometheus.Counter
	succeeded       *prometheus.CounterVec
	failed          *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	inferencePolls  *prometheus.CounterVec
	inferenceJobs   *prometheus.HistogramVec
	creditsReserved prometheus.Counter
	reconciliations *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomstudio_generations_started_total",
			Help: "Generation attempts that passed the credit gate",
		}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomstudio_generations_succeeded_total",
			Help: "Generations delivered to the caller",
		}, []string{"privileged"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomstudio_generations_failed_total",
			Help: "Generation attempts that ended in an error, by error kind",
		}, []string{"kind"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomstudio_stage_duration_seconds",
			Help:    "Latency of each pipeline stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		inferencePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomstudio_inference_polls_total",
			Help: "Status polls issued against the inference backend",
		}, []string{"model"}),
		inferenceJobs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomstudio_inference_job_duration_seconds",
			Help:    "Time from submission to terminal state of inference jobs",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"model", "state"}),
		creditsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomstudio_credit_reservations_total",
			Help: "Credit holds taken at admission",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomstudio_ledger_reconciliations_total",
			Help: "Outputs stored without a committed ledger entry",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		c.started,
		c.succeeded,
		c.failed,
		c.stageLatency,
		c.inferencePolls,
		c.inferenceJobs,
		c.creditsReserved,
		c.reconciliations,
	)

	return c
}

func (c *Collector) GenerationStarted() {
	c.started.Inc()
}

func (c *Collector) GenerationSucceeded(privileged bool) {
	label := "false"
	if privileged {
		label = "true"
	}
	c.succeeded.WithLabelValues(label).Inc()
}

func (c *Collector) GenerationFailed(kind models.ErrorKind) {
	c.failed.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) ObservePoll(model string) {
	c.inferencePolls.WithLabelValues(model).Inc()
}

func (c *Collector) ObserveJob(model string, state inference.State, elapsed time.Duration) {
	c.inferenceJobs.WithLabelValues(model, string(state)).Observe(elapsed.Seconds())
}

func (c *Collector) CreditsReserved() {
	c.creditsReserved.Inc()
}

func (c *Collector) ReconciliationRecorded(stage string) {
	c.reconciliations.WithLabelValues(stage).Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) GenerationStarted()                                {}
func (Nop) GenerationSucceeded(bool)                          {}
func (Nop) GenerationFailed(models.ErrorKind)                 {}
func (Nop) ObserveStage(string, time.Duration)                {}
func (Nop) ObservePoll(string)                                {}
func (Nop) ObserveJob(string, inference.State, time.Duration) {}
func (Nop) CreditsReserved()                                  {}
func (Nop) ReconciliationRecorded(string)                     {}
