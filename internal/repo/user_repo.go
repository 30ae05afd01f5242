package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ckash/auth-server/internal/model"
)

// UserRepo defines the interface for user repository operations.
type UserRepo interface {
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	// UpdateLoginBinding stores the freshly issued refresh token and, when
	// provided, the device and google IDs presented at login.
	UpdateLoginBinding(ctx context.Context, phone, refreshToken string, deviceID, googleID *string) error
	UpdateRefreshToken(ctx context.Context, phone, refreshToken string) error
	UpdateDevice(ctx context.Context, phone, deviceID string) error
	UpdatePin(ctx context.Context, phone, pinHash string) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance.
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	query := `
		SELECT id, first_name, last_name, phone_number, pin_hash,
		       device_id, google_id, profile_picture, refresh_token, created_at
		FROM users
		WHERE phone_number = $1
	`
	var (
		user                                          model.User
		idStr                                         string
		deviceID, googleID, profilePicture, refreshTk sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, phone).Scan(
		&idStr,
		&user.FirstName,
		&user.LastName,
		&user.PhoneNumber,
		&user.PinHash,
		&deviceID,
		&googleID,
		&profilePicture,
		&refreshTk,
		&user.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user ID: %w", err)
	}
	user.DeviceID = nullableString(deviceID)
	user.GoogleID = nullableString(googleID)
	user.ProfilePicture = nullableString(profilePicture)
	user.RefreshToken = nullableString(refreshTk)
	return user, nil
}

func (r *userRepo) UpdateLoginBinding(ctx context.Context, phone, refreshToken string, deviceID, googleID *string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = $2,
		    device_id = COALESCE($3, device_id),
		    google_id = COALESCE($4, google_id)
		WHERE phone_number = $1
	`, phone, refreshToken, deviceID, googleID)
	if err != nil {
		return fmt.Errorf("update login binding: %w", err)
	}
	return requireRow(result)
}

func (r *userRepo) UpdateRefreshToken(ctx context.Context, phone, refreshToken string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET refresh_token = $2 WHERE phone_number = $1
	`, phone, refreshToken)
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	return requireRow(result)
}

func (r *userRepo) UpdateDevice(ctx context.Context, phone, deviceID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET device_id = $2 WHERE phone_number = $1
	`, phone, deviceID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return requireRow(result)
}

func (r *userRepo) UpdatePin(ctx context.Context, phone, pinHash string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET pin_hash = $2 WHERE phone_number = $1
	`, phone, pinHash)
	if err != nil {
		return fmt.Errorf("update pin: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %w", ErrNotFound)
	}
	return nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
