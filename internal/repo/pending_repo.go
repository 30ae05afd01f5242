package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ckash/auth-server/internal/model"
)

// PendingRepo defines the interface for provisional signup records.
type PendingRepo interface {
	// Replace discards any prior pending record for the phone number and
	// stores p in its place (last writer wins).
	Replace(ctx context.Context, p model.PendingUser) error
	GetByPhone(ctx context.Context, phone string) (model.PendingUser, error)
	// Promote atomically copies the pending record into the users table
	// and deletes it, returning the created user.
	Promote(ctx context.Context, phone string) (model.User, error)
}

type pendingRepo struct {
	db *sql.DB
}

// NewPendingRepo creates a new PendingRepo instance.
func NewPendingRepo(db *sql.DB) PendingRepo {
	return &pendingRepo{db: db}
}

func (r *pendingRepo) Replace(ctx context.Context, p model.PendingUser) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Serialize concurrent signups for the same number so both cannot
	// pass the existence check; released on COMMIT/ROLLBACK.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, p.PhoneNumber); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_users WHERE phone_number = $1`, p.PhoneNumber); err != nil {
		return fmt.Errorf("discard prior pending signup: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_users (id, first_name, last_name, phone_number, pin_hash, profile_picture, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.FirstName, p.LastName, p.PhoneNumber, p.PinHash, p.ProfilePicture, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending signup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *pendingRepo) GetByPhone(ctx context.Context, phone string) (model.PendingUser, error) {
	query := `
		SELECT id, first_name, last_name, phone_number, pin_hash, profile_picture, created_at
		FROM pending_users
		WHERE phone_number = $1
	`
	var (
		p              model.PendingUser
		idStr          string
		profilePicture sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, phone).Scan(
		&idStr,
		&p.FirstName,
		&p.LastName,
		&p.PhoneNumber,
		&p.PinHash,
		&profilePicture,
		&p.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.PendingUser{}, fmt.Errorf("pending signup %w", ErrNotFound)
		}
		return model.PendingUser{}, fmt.Errorf("query pending signup: %w", err)
	}
	p.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.PendingUser{}, fmt.Errorf("parse pending ID: %w", err)
	}
	p.ProfilePicture = nullableString(profilePicture)
	return p, nil
}

func (r *pendingRepo) Promote(ctx context.Context, phone string) (model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		p              model.PendingUser
		idStr          string
		profilePicture sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone_number, pin_hash, profile_picture, created_at
		FROM pending_users
		WHERE phone_number = $1
		FOR UPDATE
	`, phone).Scan(&idStr, &p.FirstName, &p.LastName, &p.PhoneNumber, &p.PinHash, &profilePicture, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("pending signup %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("query pending signup: %w", err)
	}

	user := model.User{
		ID:             uuid.New(),
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		PhoneNumber:    p.PhoneNumber,
		PinHash:        p.PinHash,
		ProfilePicture: nullableString(profilePicture),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, first_name, last_name, phone_number, pin_hash, profile_picture)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, user.ID, user.FirstName, user.LastName, user.PhoneNumber, user.PinHash, user.ProfilePicture).Scan(&user.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_users WHERE phone_number = $1`, phone); err != nil {
		return model.User{}, fmt.Errorf("delete pending signup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.User{}, fmt.Errorf("commit: %w", err)
	}
	return user, nil
}
