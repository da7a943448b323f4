package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/roomstudio/roomstudio/internal/config"
	"github.com/roomstudio/roomstudio/internal/metrics"
	"github.com/roomstudio/roomstudio/internal/models"
	"github.com/roomstudio/roomstudio/internal/notify"
)

// StageLedgerCommit tags reconciliations opened for a failed ledger commit.
const StageLedgerCommit = "ledger_commit"

// Reconciler is the part of the ledger the worker needs.
type Reconciler interface {
	GetGenerationByAttempt(ctx context.Context, attemptID string) (*models.GenerationRecord, error)
	RecordReconciliation(ctx context.Context, rec models.Reconciliation) (bool, error)
}

// Worker consumes generation events. Ledger commit failures become reconciliation
// rows; every event is forwarded to the notifier when one is configured.
type Worker struct {
	cfg      *config.Config
	ledger   Reconciler
	notifier notify.Notifier
	metrics  metrics.Recorder
	consumer sarama.ConsumerGroup
	ready    chan bool
}

func NewWorker(cfg *config.Config, ledger Reconciler, notifier notify.Notifier, recorder metrics.Recorder, consumer sarama.ConsumerGroup) *Worker {
	slog.Info("Initializing new Worker")
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Worker{
		cfg:      cfg,
		ledger:   ledger,
		notifier: notifier,
		metrics:  recorder,
		consumer: consumer,
		ready:    make(chan bool),
	}
}

// Start consumes until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	topics := []string{w.cfg.Kafka.Topic}
	slog.Info("Starting worker", "topics", topics)

	go func() {
		for err := range w.consumer.Errors() {
			slog.Error("Kafka consumer error received", "error", err)
		}
	}()

	ready := w.ready
	go func() {
		for {
			err := w.consumer.Consume(ctx, topics, w)
			if ctx.Err() != nil {
				slog.Info("Context error detected, exiting consumer loop", "error", ctx.Err())
				return
			}
			if err != nil {
				slog.Error("Error from consumer.Consume", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.cfg.Kafka.RetryBackoff):
				}
			}
			// A rebalance starts a new session, which closes a fresh ready channel
			w.ready = make(chan bool)
		}
	}()

	select {
	case <-ready:
		slog.Info("Worker setup complete; consumer ready")
	case <-ctx.Done():
		slog.Info("Context cancelled before the consumer was ready")
		return nil
	}

	<-ctx.Done()
	slog.Info("Worker shutting down gracefully")
	return nil
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (w *Worker) Setup(sarama.ConsumerGroupSession) error {
	slog.Info("Consumer group session setup complete")
	close(w.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (w *Worker) Cleanup(sarama.ConsumerGroupSession) error {
	slog.Info("Consumer group session cleanup complete")
	return nil
}

// ConsumeClaim processes messages until the claim closes or the session ends.
// Messages are marked even when processing fails so one bad event cannot stall the partition.
func (w *Worker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := w.processMessage(session.Context(), message); err != nil {
				slog.Error("Failed to process event", "offset", message.Offset, "partition", message.Partition, "error", err)
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event models.GenerationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		slog.Error("JSON unmarshalling failed", "error", err, "raw", string(msg.Value))
		return fmt.Errorf("failed to parse event: %w", err)
	}

	attempts := max(w.cfg.Kafka.RetryMax, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = w.handle(ctx, event); err == nil {
			return nil
		}
		slog.Warn("Event handling failed", "type", event.Type, "attemptID", event.AttemptID, "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.Kafka.RetryBackoff):
		}
	}
	return fmt.Errorf("event %s for attempt %s failed after %d attempts: %w", event.Type, event.AttemptID, attempts, err)
}

func (w *Worker) handle(ctx context.Context, event models.GenerationEvent) error {
	if event.Type == models.EventLedgerCommitFailed {
		if err := w.reconcile(ctx, event); err != nil {
			return err
		}
	}

	if w.notifier == nil {
		return nil
	}
	if err := w.notifier.Notify(ctx, event); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// reconcile records an output that was generated and stored but never charged.
// Attempts whose generation row exists after all are left alone.
func (w *Worker) reconcile(ctx context.Context, event models.GenerationEvent) error {
	existing, err := w.ledger.GetGenerationByAttempt(ctx, event.AttemptID)
	if err != nil {
		return err
	}
	if existing != nil {
		slog.Info("Generation was committed after all, nothing to reconcile", "attemptID", event.AttemptID, "generationID", existing.ID)
		return nil
	}

	inserted, err := w.ledger.RecordReconciliation(ctx, models.Reconciliation{
		AttemptID:      event.AttemptID,
		UserID:         event.UserID,
		Stage:          StageLedgerCommit,
		Reason:         event.Reason,
		OutputImageURL: event.OutputURL,
	})
	if err != nil {
		return err
	}
	if inserted {
		w.metrics.ReconciliationRecorded(StageLedgerCommit)
		slog.Warn("Ledger reconciliation recorded", "attemptID", event.AttemptID, "userID", event.UserID, "outputURL", event.OutputURL)
	}
	return nil
}
