package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/ckash/auth-server/internal/model"
	"github.com/ckash/auth-server/internal/otp"
)

// Memory is an in-memory implementation of the repositories, used by
// tests and for running the server without a database. A single mutex
// stands in for the per-phone row locks of the Postgres implementation.
type Memory struct {
	mu      sync.Mutex
	users   map[string]model.User
	pending map[string]model.PendingUser
	otps    map[string]model.OtpChallenge
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]model.User),
		pending: make(map[string]model.PendingUser),
		otps:    make(map[string]model.OtpChallenge),
	}
}

// Users returns the user repository view of the store.
func (m *Memory) Users() UserRepo { return &memUsers{m} }

// Pending returns the pending-signup repository view of the store.
func (m *Memory) Pending() PendingRepo { return &memPending{m} }

// Otps returns the challenge store view of the store.
func (m *Memory) Otps() otp.Store { return &memOtps{m} }

// SeedUser inserts a user directly, bypassing the signup flow.
func (m *Memory) SeedUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.PhoneNumber] = u
}

type memUsers struct{ m *Memory }

func (r *memUsers) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[phone]
	if !ok {
		return model.User{}, fmt.Errorf("user %w", ErrNotFound)
	}
	return u, nil
}

func (r *memUsers) UpdateLoginBinding(ctx context.Context, phone, refreshToken string, deviceID, googleID *string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[phone]
	if !ok {
		return fmt.Errorf("user %w", ErrNotFound)
	}
	u.RefreshToken = &refreshToken
	if deviceID != nil {
		u.DeviceID = deviceID
	}
	if googleID != nil {
		u.GoogleID = googleID
	}
	r.m.users[phone] = u
	return nil
}

func (r *memUsers) UpdateRefreshToken(ctx context.Context, phone, refreshToken string) error {
	return r.update(phone, func(u *model.User) { u.RefreshToken = &refreshToken })
}

func (r *memUsers) UpdateDevice(ctx context.Context, phone, deviceID string) error {
	return r.update(phone, func(u *model.User) { u.DeviceID = &deviceID })
}

func (r *memUsers) UpdatePin(ctx context.Context, phone, pinHash string) error {
	return r.update(phone, func(u *model.User) { u.PinHash = pinHash })
}

func (r *memUsers) update(phone string, apply func(*model.User)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[phone]
	if !ok {
		return fmt.Errorf("user %w", ErrNotFound)
	}
	apply(&u)
	r.m.users[phone] = u
	return nil
}

type memPending struct{ m *Memory }

func (r *memPending) Replace(ctx context.Context, p model.PendingUser) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.pending[p.PhoneNumber] = p
	return nil
}

func (r *memPending) GetByPhone(ctx context.Context, phone string) (model.PendingUser, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.pending[phone]
	if !ok {
		return model.PendingUser{}, fmt.Errorf("pending signup %w", ErrNotFound)
	}
	return p, nil
}

func (r *memPending) Promote(ctx context.Context, phone string) (model.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.pending[phone]
	if !ok {
		return model.User{}, fmt.Errorf("pending signup %w", ErrNotFound)
	}
	u := model.User{
		ID:             p.ID,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		PhoneNumber:    p.PhoneNumber,
		PinHash:        p.PinHash,
		ProfilePicture: p.ProfilePicture,
		CreatedAt:      p.CreatedAt,
	}
	r.m.users[phone] = u
	delete(r.m.pending, phone)
	return u, nil
}

type memOtps struct{ m *Memory }

func (s *memOtps) WithChallenge(ctx context.Context, phone string, fn func(tx otp.ChallengeTx) error) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return fn(&memChallengeTx{m: s.m, phone: phone})
}

type memChallengeTx struct {
	m     *Memory
	phone string
}

func (t *memChallengeTx) Get(ctx context.Context) (model.OtpChallenge, bool, error) {
	c, ok := t.m.otps[t.phone]
	return c, ok, nil
}

func (t *memChallengeTx) Save(ctx context.Context, c model.OtpChallenge) error {
	t.m.otps[t.phone] = c
	return nil
}

func (t *memChallengeTx) Delete(ctx context.Context) error {
	if _, ok := t.m.otps[t.phone]; !ok {
		return fmt.Errorf("challenge %w", ErrNotFound)
	}
	delete(t.m.otps, t.phone)
	return nil
}
