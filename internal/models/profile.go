package models

import (
	"time"
)

// UsageProfile is the per-user credit balance
type UsageProfile struct {
	ID         string    `json:"id" db:"id"` // UUID that matches auth.users.id
	Email      string    `json:"email" db:"email"`
	Credits    int       `json:"credits" db:"credits"`
	Privileged bool      `json:"privileged" db:"privileged"` // unlimited generations, never charged
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NewProfileResponse is the response structure when a profile is created
type NewProfileResponse struct {
	Profile UsageProfile `json:"profile"`
	Success bool         `json:"success"`
}

// Reconciliation is a ledger entry that needs manual follow-up.
type Reconciliation struct {
	ID             int64     `json:"id" db:"id"`
	AttemptID      string    `json:"attemptId" db:"attempt_id"`
	UserID         string    `json:"userId" db:"user_id"`
	Stage          string    `json:"stage" db:"stage"`
	Reason         string    `json:"reason" db:"reason"`
	OutputImageURL string    `json:"outputImageUrl" db:"output_image_url"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
