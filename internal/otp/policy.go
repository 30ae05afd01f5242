package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ckash/auth-server/internal/model"
	"github.com/ckash/auth-server/internal/sms"
)

var (
	// ErrRateLimited means the free resend budget is spent and the
	// cooldown has not elapsed yet.
	ErrRateLimited = errors.New("otp: resend cooldown active")
	// ErrBanned means the number exceeded the ban threshold. There is no
	// automatic unban; the row must be cleared manually.
	ErrBanned = errors.New("otp: request limit exceeded")
	// ErrNoChallenge means no outstanding challenge exists for the number.
	ErrNoChallenge = errors.New("otp: no challenge for phone number")
	// ErrCodeMismatch means a challenge exists but the code is wrong.
	ErrCodeMismatch = errors.New("otp: code mismatch")
	// ErrExpired means the code was correct but past its validity window.
	ErrExpired = errors.New("otp: code expired")
	// ErrSendFailed means the challenge was persisted but SMS dispatch
	// failed. The stored code stays usable; callers surface the failure.
	ErrSendFailed = errors.New("otp: sms dispatch failed")
)

// Store persists at most one challenge per phone number. WithChallenge
// runs fn inside a transaction that holds a per-phone lock; mutations made
// through the ChallengeTx become visible only when fn returns nil.
type Store interface {
	WithChallenge(ctx context.Context, phone string, fn func(tx ChallengeTx) error) error
}

// ChallengeTx is the transactional view of one phone number's challenge.
type ChallengeTx interface {
	Get(ctx context.Context) (model.OtpChallenge, bool, error)
	Save(ctx context.Context, c model.OtpChallenge) error
	Delete(ctx context.Context) error
}

// Limits are the abuse-control constants of the policy.
type Limits struct {
	CodeLength      int
	Validity        time.Duration
	Cooldown        time.Duration
	ResendThreshold int
	BanThreshold    int
}

// Policy decides and executes OTP issuance for a phone number, enforcing
// the resend budget, cooldown and ban ratchet, and verifies codes.
type Policy struct {
	store  Store
	sender sms.Sender
	salt   string
	limits Limits
	log    *zap.Logger
	now    func() time.Time
}

// NewPolicy creates a policy engine over the given store and sender.
func NewPolicy(store Store, sender sms.Sender, salt string, limits Limits, log *zap.Logger) *Policy {
	return &Policy{
		store:  store,
		sender: sender,
		salt:   salt,
		limits: limits,
		log:    log,
		now:    time.Now,
	}
}

// Request issues or re-issues a code for the phone number, creating the
// challenge row if none exists.
func (p *Policy) Request(ctx context.Context, phone string) error {
	return p.issue(ctx, phone, false)
}

// Resend re-issues a code but requires a prior challenge row to exist;
// ErrNoChallenge otherwise.
func (p *Policy) Resend(ctx context.Context, phone string) error {
	return p.issue(ctx, phone, true)
}

func (p *Policy) issue(ctx context.Context, phone string, mustExist bool) error {
	var code string

	err := p.store.WithChallenge(ctx, phone, func(tx ChallengeTx) error {
		existing, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		now := p.now().UTC()

		if !ok {
			if mustExist {
				return ErrNoChallenge
			}
			code, err = p.newCode()
			if err != nil {
				return err
			}
			return tx.Save(ctx, model.OtpChallenge{
				ID:           uuid.New(),
				PhoneNumber:  phone,
				CodeHash:     HashCode(phone, code, p.salt),
				CreatedAt:    now,
				ExpiresAt:    now.Add(p.limits.Validity),
				Valid:        true,
				RequestCount: 1,
			})
		}

		sinceCreated := now.Sub(existing.CreatedAt)
		switch {
		case existing.RequestCount < p.limits.ResendThreshold:
			// within the free resend budget
		case existing.RequestCount > p.limits.BanThreshold:
			return ErrBanned
		case sinceCreated < p.limits.Cooldown:
			return ErrRateLimited
		default:
			// cooldown elapsed; the counter keeps climbing toward the ban
			// threshold even though this resend is permitted
		}

		code, err = p.newCode()
		if err != nil {
			return err
		}
		existing.CodeHash = HashCode(phone, code, p.salt)
		existing.CreatedAt = now
		existing.ExpiresAt = now.Add(p.limits.Validity)
		existing.Valid = true
		existing.RequestCount++
		return tx.Save(ctx, existing)
	})
	if err != nil {
		return err
	}

	// Dispatch after commit: a slow or failed send must not roll back the
	// issued code, and the SMS call must not hold the per-phone lock.
	message := fmt.Sprintf("Your Ckash OTP is %s. It is valid for %d minutes.",
		code, int(p.limits.Validity.Minutes()))
	if err := p.sender.Send(ctx, phone, message); err != nil {
		p.log.Error("otp dispatch failed",
			zap.String("phone", sms.MaskNumber(phone)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Verify consumes the outstanding challenge for the phone number if the
// code matches and is still valid. A consumed challenge is deleted, so a
// second verification with the same code fails with ErrNoChallenge.
func (p *Policy) Verify(ctx context.Context, phone, code string) error {
	return p.store.WithChallenge(ctx, phone, func(tx ChallengeTx) error {
		c, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok || !c.Valid {
			return ErrNoChallenge
		}
		if subtle.ConstantTimeCompare(HashCode(phone, code, p.salt), c.CodeHash) != 1 {
			return ErrCodeMismatch
		}
		if p.now().UTC().After(c.ExpiresAt) {
			return ErrExpired
		}
		return tx.Delete(ctx)
	})
}

// newCode draws each digit uniformly at random; leading zeros are allowed.
func (p *Policy) newCode() (string, error) {
	digits := make([]byte, p.limits.CodeLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits), nil
}

// HashCode returns SHA-256(phone:code:salt), the at-rest form of a code.
func HashCode(phone, code, salt string) []byte {
	sum := sha256.Sum256([]byte(phone + ":" + code + ":" + salt))
	return sum[:]
}
