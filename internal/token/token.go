package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for every decode failure. Malformed tokens,
// bad signatures and expired claims are deliberately indistinguishable.
var ErrUnauthorized = errors.New("token: unauthorized")

// Service issues and validates the signed session credentials. Access and
// refresh tokens carry the phone number as subject and are signed with
// distinct secrets.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewService creates a token service.
func NewService(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// IssueAccess signs a short-lived access token for the subject.
func (s *Service) IssueAccess(subject string) (string, error) {
	return s.sign(subject, s.accessSecret, s.accessTTL)
}

// IssueRefresh signs a long-lived refresh token for the subject. The
// caller persists the issued value on the user record; only the stored
// copy is honored on refresh.
func (s *Service) IssueRefresh(subject string) (string, error) {
	return s.sign(subject, s.refreshSecret, s.refreshTTL)
}

// DecodeAccess verifies an access token and returns its subject.
func (s *Service) DecodeAccess(tokenString string) (string, error) {
	return s.decode(tokenString, s.accessSecret)
}

// DecodeRefresh verifies a refresh token and returns its subject.
func (s *Service) DecodeRefresh(tokenString string) (string, error) {
	return s.decode(tokenString, s.refreshSecret)
}

func (s *Service) sign(subject string, secret []byte, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) decode(tokenString string, secret []byte) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
