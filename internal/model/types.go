package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a verified account. The phone number is the primary lookup key
// and is globally unique; exactly one user exists per verified number.
type User struct {
	ID             uuid.UUID
	FirstName      string
	LastName       string
	PhoneNumber    string
	PinHash        string
	DeviceID       *string
	GoogleID       *string
	ProfilePicture *string
	RefreshToken   *string
	CreatedAt      time.Time
}

// PendingUser is a provisional signup awaiting OTP confirmation. At most
// one exists per phone number; a repeated signup replaces the prior one.
type PendingUser struct {
	ID             uuid.UUID
	FirstName      string
	LastName       string
	PhoneNumber    string
	PinHash        string
	ProfilePicture *string
	CreatedAt      time.Time
}

// OtpChallenge is the single outstanding OTP state for one phone number.
// The plaintext code is never stored; CodeHash is SHA-256(phone:code:salt).
// ExpiresAt is always CreatedAt plus the configured validity window.
type OtpChallenge struct {
	ID           uuid.UUID
	PhoneNumber  string
	CodeHash     []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Valid        bool
	RequestCount int
}
