package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ckash/auth-server/internal/model"
	"github.com/ckash/auth-server/internal/otp"
)

type otpStore struct {
	db *sql.DB
}

// NewOtpStore creates the Postgres-backed challenge store. Each
// WithChallenge call runs in one transaction holding a per-phone advisory
// lock, so concurrent requests for the same number cannot interleave
// their read-modify-write cycles.
func NewOtpStore(db *sql.DB) otp.Store {
	return &otpStore{db: db}
}

func (s *otpStore) WithChallenge(ctx context.Context, phone string, fn func(tx otp.ChallengeTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Released on COMMIT/ROLLBACK.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, phone); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(&challengeTx{tx: tx, phone: phone}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type challengeTx struct {
	tx    *sql.Tx
	phone string
}

func (c *challengeTx) Get(ctx context.Context) (model.OtpChallenge, bool, error) {
	query := `
		SELECT id, phone_number, code_hash, created_at, expires_at, is_valid, request_count
		FROM otp_challenges
		WHERE phone_number = $1
	`
	var (
		ch    model.OtpChallenge
		idStr string
	)
	err := c.tx.QueryRowContext(ctx, query, c.phone).Scan(
		&idStr,
		&ch.PhoneNumber,
		&ch.CodeHash,
		&ch.CreatedAt,
		&ch.ExpiresAt,
		&ch.Valid,
		&ch.RequestCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.OtpChallenge{}, false, nil
		}
		return model.OtpChallenge{}, false, fmt.Errorf("query challenge: %w", err)
	}
	ch.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.OtpChallenge{}, false, fmt.Errorf("parse challenge ID: %w", err)
	}
	return ch, true, nil
}

func (c *challengeTx) Save(ctx context.Context, ch model.OtpChallenge) error {
	// One row per phone number; new requests mutate the existing row.
	_, err := c.tx.ExecContext(ctx, `
		INSERT INTO otp_challenges (id, phone_number, code_hash, created_at, expires_at, is_valid, request_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (phone_number) DO UPDATE
		SET code_hash = EXCLUDED.code_hash,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at,
		    is_valid = EXCLUDED.is_valid,
		    request_count = EXCLUDED.request_count
	`, ch.ID, ch.PhoneNumber, ch.CodeHash, ch.CreatedAt, ch.ExpiresAt, ch.Valid, ch.RequestCount)
	if err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}

func (c *challengeTx) Delete(ctx context.Context) error {
	result, err := c.tx.ExecContext(ctx, `DELETE FROM otp_challenges WHERE phone_number = $1`, c.phone)
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("challenge %w", ErrNotFound)
	}
	return nil
}
