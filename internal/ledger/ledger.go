package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/roomstudio/roomstudio/internal/models"
)

var (
	ErrProfileNotFound     = errors.New("usage profile not found")
	ErrProfileExists       = errors.New("usage profile already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrCreditsExhausted    = errors.New("credits exhausted before commit")
	ErrDuplicateAttempt    = errors.New("generation attempt already recorded")
)

// reserveScript takes one hold if the holds in flight stay within the balance read from Postgres.
// Holds live in a sorted set scored by their expiry, so a hold that is never released lapses on
// its own however often the user admits again.
// KEYS[1] hold set, ARGV[1] balance, ARGV[2] now in ms, ARGV[3] ttl in ms, ARGV[4] hold id.
// Returns the hold count, or 0 when refused.
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local held = redis.call('ZCARD', KEYS[1])
if held >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return held + 1
`)

var releaseScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return removed
`)

// Ledger owns the credit balance: admission, holds and the final charge.
type Ledger struct {
	db            *sqlx.DB
	redis         *redis.Client
	holdTTL       time.Duration
	historyFilter string
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Ledger)

// WithArtifactBase lets History show outputs served from base as well as any https URL.
// Needed when artifacts are kept on local disk behind a plain http address.
func WithArtifactBase(base string) Option {
	return func(l *Ledger) {
		base = strings.TrimRight(base, "/")
		if base == "" || strings.HasPrefix(base, "https://") {
			return
		}
		l.historyFilter = likeEscaper.Replace(base) + "/%"
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func New(db *sqlx.DB, rdb *redis.Client, holdTTL time.Duration, opts ...Option) *Ledger {
	if holdTTL <= 0 {
		holdTTL = 15 * time.Minute
	}
	l := &Ledger{db: db, redis: rdb, holdTTL: holdTTL, historyFilter: "https://%", logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func holdKey(identityID string) string {
	return fmt.Sprintf("credits:hold:%s", identityID)
}

// Reservation is a credit held for one in-flight generation.
type Reservation struct {
	IdentityID string
	Privileged bool
	Balance    int

	holdID   string
	ledger   *Ledger
	released atomic.Bool
}

// Admit checks the caller's balance and holds one credit for the attempt.
// Privileged profiles are admitted without a hold.
func (l *Ledger) Admit(ctx context.Context, identityID string) (*Reservation, error) {
	profile, err := l.GetProfile(ctx, identityID)
	if err != nil {
		return nil, err
	}

	res := &Reservation{
		IdentityID: identityID,
		Privileged: profile.Privileged,
		Balance:    profile.Credits,
		ledger:     l,
	}
	if profile.Privileged {
		return res, nil
	}
	if profile.Credits <= 0 {
		return nil, ErrInsufficientCredits
	}

	res.holdID = uuid.NewString()
	held, err := reserveScript.Run(ctx, l.redis, []string{holdKey(identityID)},
		profile.Credits, l.now().UnixMilli(), l.holdTTL.Milliseconds(), res.holdID).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve credit: %w", err)
	}
	if held == 0 {
		l.logger.Info("Admission refused, all credits held by in-flight generations", "userID", identityID, "credits", profile.Credits)
		return nil, ErrInsufficientCredits
	}

	l.logger.Debug("Credit reserved", "userID", identityID, "holds", held, "credits", profile.Credits)
	return res, nil
}

// Release drops the hold. Safe to call more than once.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil || r.Privileged || r.holdID == "" || !r.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := releaseScript.Run(ctx, r.ledger.redis, []string{holdKey(r.IdentityID)}, r.holdID).Err(); err != nil {
		return fmt.Errorf("failed to release credit hold: %w", err)
	}
	return nil
}

// CommitResult is the persisted outcome of a successful generation.
type CommitResult struct {
	Record           models.GenerationRecord
	CreditsRemaining *int
}

// Commit records the generation and charges one credit in a single transaction.
// The output artifact must already be durably stored.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, rec models.GenerationRecord) (*CommitResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO generations (id, user_id, attempt_id, prompt, style, room_type, input_image_url, output_image_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`,
		rec.ID, rec.UserID, rec.AttemptID, rec.Prompt, rec.Style, rec.RoomType, rec.InputImageURL, rec.OutputImageURL,
	).Scan(&rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateAttempt
		}
		return nil, fmt.Errorf("failed to insert generation record: %w", err)
	}

	result := &CommitResult{Record: rec}
	if !res.Privileged {
		var remaining int
		err = tx.QueryRowxContext(ctx,
			`UPDATE profiles SET credits = credits - 1 WHERE id = $1 AND credits > 0 RETURNING credits`,
			rec.UserID,
		).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCreditsExhausted
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decrement credits: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_transactions (user_id, generation_id, amount, balance_after) VALUES ($1, $2, $3, $4)`,
			rec.UserID, rec.ID, -1, remaining,
		); err != nil {
			return nil, fmt.Errorf("failed to insert credit transaction: %w", err)
		}
		result.CreditsRemaining = &remaining
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	l.logger.Info("Generation committed", "userID", rec.UserID, "attemptID", rec.AttemptID, "generationID", rec.ID, "charged", !res.Privileged)
	return result, nil
}
