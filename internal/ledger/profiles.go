package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roomstudio/roomstudio/internal/models"
)

const profileColumns = `id, email, credits, privileged, created_at`

const generationColumns = `id, user_id, attempt_id, prompt, style, room_type, input_image_url, output_image_url, created_at`

func (l *Ledger) GetProfile(ctx context.Context, identityID string) (*models.UsageProfile, error) {
	var profile models.UsageProfile
	err := l.db.GetContext(ctx, &profile, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return &profile, nil
}

// CreateProfile provisions a profile with the starting balance.
func (l *Ledger) CreateProfile(ctx context.Context, identity models.Identity, credits int) (*models.UsageProfile, error) {
	var profile models.UsageProfile
	err := l.db.GetContext(ctx, &profile,
		`INSERT INTO profiles (id, email, credits) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING RETURNING `+profileColumns,
		identity.ID, identity.Email, credits,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	l.logger.Info("Profile created", "userID", identity.ID, "credits", credits)
	return &profile, nil
}

// History lists the caller's generations newest first. Rows without a durable output are skipped:
// only https URLs, or URLs under the configured artifact base, are shown.
func (l *Ledger) History(ctx context.Context, identityID string, limit int) ([]models.GenerationRecord, error) {
	records := []models.GenerationRecord{}
	err := l.db.SelectContext(ctx, &records,
		`SELECT `+generationColumns+` FROM generations
		WHERE user_id = $1 AND (output_image_url LIKE 'https://%' OR output_image_url LIKE $3)
		ORDER BY created_at DESC LIMIT $2`,
		identityID, limit, l.historyFilter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	return records, nil
}

// GetGenerationByAttempt returns the record committed for an attempt, if any.
func (l *Ledger) GetGenerationByAttempt(ctx context.Context, attemptID string) (*models.GenerationRecord, error) {
	var rec models.GenerationRecord
	err := l.db.GetContext(ctx, &rec, `SELECT `+generationColumns+` FROM generations WHERE attempt_id = $1`, attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation: %w", err)
	}
	return &rec, nil
}

// RecordReconciliation stores a ledger inconsistency for manual follow-up. Duplicates are ignored.
func (l *Ledger) RecordReconciliation(ctx context.Context, rec models.Reconciliation) (bool, error) {
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_reconciliations (attempt_id, user_id, stage, reason, output_image_url)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (attempt_id) DO NOTHING`,
		rec.AttemptID, rec.UserID, rec.Stage, rec.Reason, rec.OutputImageURL,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record reconciliation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reconciliation result: %w", err)
	}
	return n > 0, nil
}
