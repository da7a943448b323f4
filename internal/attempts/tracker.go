package attempts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roomstudio/roomstudio/internal/models"
)

var (
	ErrNotFound = errors.New("attempt not found")
	// ErrContended means another request claimed the same attempt id at the same moment.
	ErrContended = errors.New("attempt claimed concurrently")
)

// Tracker keeps the status of generation attempts in Redis under attempt:{id}.
// An attempt id can be claimed again only after the previous claim failed.
type Tracker struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tracker{redis: rdb, ttl: ttl, now: time.Now}
}

func attemptKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s", attemptID)
}

// Begin claims attemptID for userID. It returns nil when the claim succeeded, and the
// previous status when the id is already running or succeeded.
func (t *Tracker) Begin(ctx context.Context, attemptID, userID string) (*models.AttemptStatus, error) {
	key := attemptKey(attemptID)
	payload, err := json.Marshal(models.AttemptStatus{
		AttemptID: attemptID,
		UserID:    userID,
		Status:    models.AttemptRunning,
		Stage:     "admission",
		UpdatedAt: t.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attempt status: %w", err)
	}

	var existing *models.AttemptStatus
	err = t.redis.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := readStatus(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if prev != nil && prev.Status != models.AttemptFailed {
			existing = prev
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, t.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrContended
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim attempt %s: %w", attemptID, err)
	}
	return existing, nil
}

// Update overwrites the stored status, keeping the attempt's expiry.
func (t *Tracker) Update(ctx context.Context, status models.AttemptStatus) error {
	status.UpdatedAt = t.now().UTC()
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt status: %w", err)
	}
	if err := t.redis.SetArgs(ctx, attemptKey(status.AttemptID), payload, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", status.AttemptID, err)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, attemptID string) (*models.AttemptStatus, error) {
	return readStatus(ctx, t.redis, attemptKey(attemptID))
}

func readStatus(ctx context.Context, c redis.Cmdable, key string) (*models.AttemptStatus, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var status models.AttemptStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &status, nil
}
