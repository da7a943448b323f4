package models

import "time"

// Generation event types published to Kafka.
const (
	EventGenerationCompleted = "generation.completed"
	EventGenerationFailed    = "generation.failed"
	EventLedgerCommitFailed  = "generation.ledger_commit_failed"
)

// GenerationEvent is the message emitted at the end of every attempt.
type GenerationEvent struct {
	Type         string    `json:"type"`
	AttemptID    string    `json:"attemptId"`
	UserID       string    `json:"userId"`
	GenerationID string    `json:"generationId,omitempty"`
	InputURL     string    `json:"inputUrl,omitempty"`
	OutputURL    string    `json:"outputUrl,omitempty"`
	Code         ErrorKind `json:"code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}
