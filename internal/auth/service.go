package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ckash/auth-server/internal/avatar"
	"github.com/ckash/auth-server/internal/model"
	"github.com/ckash/auth-server/internal/otp"
	"github.com/ckash/auth-server/internal/repo"
	"github.com/ckash/auth-server/internal/sms"
	"github.com/ckash/auth-server/internal/token"
)

var (
	// ErrPhoneExists means a verified user already owns the phone number.
	ErrPhoneExists = errors.New("auth: phone number already registered")
	// ErrUserNotFound means no verified user owns the phone number.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrNoPendingSignup means no provisional signup exists for the number.
	ErrNoPendingSignup = errors.New("auth: no pending signup")
	// ErrUnauthorized covers bad pins, unknown users at login and invalid
	// or superseded tokens. Callers cannot tell which.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// SignupRequest carries the fields needed to start a signup.
type SignupRequest struct {
	FirstName   string
	LastName    string
	PhoneNumber string
	LoginPin    string
}

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
}

// Service is the signup/signin/verify/reset state machine. Every phone
// number moves Unregistered -> PendingVerification -> Verified, and a
// verified user reaches Authenticated through the pin-checked Login.
type Service struct {
	users    repo.UserRepo
	pending  repo.PendingRepo
	otp      *otp.Policy
	tokens   *token.Service
	avatars  avatar.Generator
	uploader avatar.Uploader
	log      *zap.Logger
}

// NewService creates the auth orchestrator.
func NewService(
	users repo.UserRepo,
	pending repo.PendingRepo,
	otpPolicy *otp.Policy,
	tokens *token.Service,
	avatars avatar.Generator,
	uploader avatar.Uploader,
	log *zap.Logger,
) *Service {
	return &Service{
		users:    users,
		pending:  pending,
		otp:      otpPolicy,
		tokens:   tokens,
		avatars:  avatars,
		uploader: uploader,
		log:      log,
	}
}

// Signup stages a provisional signup and dispatches an OTP. A prior
// pending record for the number is discarded unconditionally; a verified
// user on the number rejects the signup with ErrPhoneExists.
func (s *Service) Signup(ctx context.Context, req SignupRequest) error {
	if _, err := s.users.GetByPhone(ctx, req.PhoneNumber); err == nil {
		return ErrPhoneExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(req.LoginPin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}

	// Avatar generation is best-effort glue; a failure must not block
	// the signup.
	var picture *string
	if img, err := s.avatars.Generate(req.FirstName, req.LastName); err == nil {
		if url, err := s.uploader.Upload(ctx, img); err == nil {
			picture = &url
		} else {
			s.log.Warn("avatar upload failed", zap.Error(err))
		}
	} else {
		s.log.Warn("avatar generation failed", zap.Error(err))
	}

	p := model.PendingUser{
		ID:             uuid.New(),
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		PhoneNumber:    req.PhoneNumber,
		PinHash:        string(pinHash),
		ProfilePicture: picture,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.pending.Replace(ctx, p); err != nil {
		return err
	}

	return s.otp.Request(ctx, req.PhoneNumber)
}

// Signin dispatches an OTP to an already verified user.
func (s *Service) Signin(ctx context.Context, phone string) error {
	if err := s.requireUser(ctx, phone); err != nil {
		return err
	}
	return s.otp.Request(ctx, phone)
}

// VerifySignup consumes the OTP and promotes the pending signup to a
// verified user.
func (s *Service) VerifySignup(ctx context.Context, phone, code string) (model.User, error) {
	if err := s.otp.Verify(ctx, phone, code); err != nil {
		return model.User{}, err
	}
	user, err := s.pending.Promote(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrNoPendingSignup
		}
		return model.User{}, err
	}
	s.log.Info("signup verified", zap.String("phone", sms.MaskNumber(phone)))
	return user, nil
}

// VerifySignin consumes the OTP for an existing user and binds the
// presented device ID. It does not issue tokens; those come from Login.
func (s *Service) VerifySignin(ctx context.Context, phone, code, deviceID string) (model.User, error) {
	if err := s.otp.Verify(ctx, phone, code); err != nil {
		return model.User{}, err
	}
	user, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, err
	}
	if deviceID != "" {
		if err := s.users.UpdateDevice(ctx, phone, deviceID); err != nil {
			return model.User{}, err
		}
		user.DeviceID = &deviceID
	}
	return user, nil
}

// Login checks the pin against the stored digest and issues a fresh
// access/refresh pair. The refresh token is persisted on the user record,
// superseding any previously issued one. Unknown user and wrong pin are
// both reported as ErrUnauthorized.
func (s *Service) Login(ctx context.Context, phone, pin string, deviceID, googleID *string) (TokenPair, error) {
	user, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PinHash), []byte(pin)) != nil {
		return TokenPair{}, ErrUnauthorized
	}

	pair, err := s.issuePair(phone)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.users.UpdateLoginBinding(ctx, phone, pair.RefreshToken, deviceID, googleID); err != nil {
		return TokenPair{}, err
	}
	s.log.Info("login", zap.String("phone", sms.MaskNumber(phone)))
	return pair, nil
}

// Refresh exchanges a valid refresh token for a fresh pair. The presented
// token must match the stored copy verbatim; a token superseded by a
// later login fails even though its signature is still valid. The new
// refresh token replaces the stored one (rotation).
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	phone, err := s.tokens.DecodeRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}
	user, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}
	if user.RefreshToken == nil || *user.RefreshToken != refreshToken {
		return TokenPair{}, ErrUnauthorized
	}

	pair, err := s.issuePair(phone)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.users.UpdateRefreshToken(ctx, phone, pair.RefreshToken); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// ForgotPin starts pin recovery by dispatching an OTP to a verified user.
// The same challenge mechanism backs recovery; there is no separate type.
func (s *Service) ForgotPin(ctx context.Context, phone string) error {
	if err := s.requireUser(ctx, phone); err != nil {
		return err
	}
	return s.otp.Request(ctx, phone)
}

// ResetPin consumes the recovery OTP and replaces the stored pin digest.
func (s *Service) ResetPin(ctx context.Context, phone, code, newPin string) error {
	if err := s.otp.Verify(ctx, phone, code); err != nil {
		return err
	}
	if err := s.requireUser(ctx, phone); err != nil {
		return err
	}
	pinHash, err := bcrypt.GenerateFromPassword([]byte(newPin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	if err := s.users.UpdatePin(ctx, phone, string(pinHash)); err != nil {
		return err
	}
	s.log.Info("login pin reset", zap.String("phone", sms.MaskNumber(phone)))
	return nil
}

// Resend re-issues the outstanding OTP; it requires that the number has
// requested one before.
func (s *Service) Resend(ctx context.Context, phone string) error {
	return s.otp.Resend(ctx, phone)
}

// UserByPhone loads a verified user, for the bearer-token middleware.
func (s *Service) UserByPhone(ctx context.Context, phone string) (model.User, error) {
	user, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, err
	}
	return user, nil
}

func (s *Service) requireUser(ctx context.Context, phone string) error {
	_, err := s.users.GetByPhone(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

func (s *Service) issuePair(phone string) (TokenPair, error) {
	access, err := s.tokens.IssueAccess(phone)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.tokens.IssueRefresh(phone)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}
