package models

import "time"

// Identity is the authenticated caller, taken from the verified JWT claims.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CreativityLevel controls how far the generated room may drift from the uploaded photo.
type CreativityLevel string

const (
	CreativitySubtle   CreativityLevel = "subtle"
	CreativityBalanced CreativityLevel = "balanced"
	CreativityCreative CreativityLevel = "creative"
)

// GenerationRequest carries one restyling request through the pipeline. It is never persisted.
type GenerationRequest struct {
	AttemptID       string
	IdentityID      string
	Image           []byte
	ImageName       string
	ContentType     string
	Style           string
	RoomType        string
	SpaceType       string
	Lighting        string
	Materials       string
	Furniture       string
	CreativityLevel CreativityLevel
	Notes           string
}

// Artifact is an object written to the blob store.
type Artifact struct {
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
}

// GenerationRecord is the audit row for a completed generation.
type GenerationRecord struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"userId" db:"user_id"`
	AttemptID      string    `json:"attemptId" db:"attempt_id"`
	Prompt         string    `json:"prompt" db:"prompt"`
	Style          string    `json:"style" db:"style"`
	RoomType       string    `json:"roomType" db:"room_type"`
	InputImageURL  string    `json:"inputImageUrl" db:"input_image_url"`
	OutputImageURL string    `json:"outputImageUrl" db:"output_image_url"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// CreditTransaction is written alongside every charged generation.
type CreditTransaction struct {
	ID           int64     `json:"id" db:"id"`
	UserID       string    `json:"userId" db:"user_id"`
	GenerationID string    `json:"generationId" db:"generation_id"`
	Amount       int       `json:"amount" db:"amount"`
	BalanceAfter int       `json:"balanceAfter" db:"balance_after"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// GenerationResult is returned to the caller on success.
type GenerationResult struct {
	AttemptID        string `json:"attemptId"`
	GenerationID     string `json:"generationId"`
	OutputURL        string `json:"outputUrl"`
	InputURL         string `json:"inputUrl"`
	Prompt           string `json:"prompt"`
	CreditsRemaining *int   `json:"creditsRemaining,omitempty"`
}

// Attempt statuses kept in Redis under attempt:{id}.
const (
	AttemptRunning   = "running"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// AttemptStatus is the cached progress of one generation attempt.
type AttemptStatus struct {
	AttemptID string            `json:"attemptId"`
	UserID    string            `json:"userId"`
	Status    string            `json:"status"`
	Stage     string            `json:"stage,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      ErrorKind         `json:"code,omitempty"`
	Result    *GenerationResult `json:"result,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
