package otp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ckash/auth-server/internal/model"
)

const testPhone = "+2348012345678"

type fakeStore struct {
	rows map[string]model.OtpChallenge
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]model.OtpChallenge)}
}

func (s *fakeStore) WithChallenge(ctx context.Context, phone string, fn func(tx ChallengeTx) error) error {
	return fn(&fakeTx{s: s, phone: phone})
}

type fakeTx struct {
	s     *fakeStore
	phone string
}

func (t *fakeTx) Get(ctx context.Context) (model.OtpChallenge, bool, error) {
	c, ok := t.s.rows[t.phone]
	return c, ok, nil
}

func (t *fakeTx) Save(ctx context.Context, c model.OtpChallenge) error {
	t.s.rows[t.phone] = c
	return nil
}

func (t *fakeTx) Delete(ctx context.Context) error {
	delete(t.s.rows, t.phone)
	return nil
}

type recordSender struct {
	messages []string
	err      error
}

func (s *recordSender) Send(ctx context.Context, phone, message string) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message)
	return nil
}

// lastCode extracts the code from the most recent dispatched message.
func (s *recordSender) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, s.messages)
	fields := strings.Fields(s.messages[len(s.messages)-1])
	require.Greater(t, len(fields), 4)
	return strings.TrimSuffix(fields[4], ".")
}

func testLimits() Limits {
	return Limits{
		CodeLength:      4,
		Validity:        5 * time.Minute,
		Cooldown:        30 * time.Minute,
		ResendThreshold: 5,
		BanThreshold:    10,
	}
}

func newTestPolicy(t *testing.T) (*Policy, *fakeStore, *recordSender, *time.Time) {
	t.Helper()
	store := newFakeStore()
	sender := &recordSender{}
	p := NewPolicy(store, sender, "pepper", testLimits(), zap.NewNop())
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	return p, store, sender, &clock
}

func TestRequestCreatesChallenge(t *testing.T) {
	p, store, sender, clock := newTestPolicy(t)
	ctx := context.Background()

	require.NoError(t, p.Request(ctx, testPhone))

	c, ok := store.rows[testPhone]
	require.True(t, ok)
	assert.Equal(t, 1, c.RequestCount)
	assert.True(t, c.Valid)
	assert.Equal(t, *clock, c.CreatedAt)
	assert.Equal(t, clock.Add(5*time.Minute), c.ExpiresAt)

	code := sender.lastCode(t)
	assert.Len(t, code, 4)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9')
	}
	assert.Equal(t, HashCode(testPhone, code, "pepper"), c.CodeHash)
}

func TestRequestBudgetThenRateLimited(t *testing.T) {
	p, store, _, _ := newTestPolicy(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Request(ctx, testPhone), "request %d should stay within budget", i)
		assert.Equal(t, i, store.rows[testPhone].RequestCount)
	}

	before := store.rows[testPhone]
	err := p.Request(ctx, testPhone)
	require.ErrorIs(t, err, ErrRateLimited)

	// A rejected request must not touch the stored challenge.
	assert.Equal(t, before, store.rows[testPhone])
}

func TestCooldownElapsedReissuesAndRatchets(t *testing.T) {
	p, store, _, clock := newTestPolicy(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Request(ctx, testPhone))
	}
	require.ErrorIs(t, p.Request(ctx, testPhone), ErrRateLimited)

	*clock = clock.Add(31 * time.Minute)
	require.NoError(t, p.Request(ctx, testPhone))
	assert.Equal(t, 6, store.rows[testPhone].RequestCount)
	assert.Equal(t, *clock, store.rows[testPhone].CreatedAt)

	// Immediately after the permitted resend the cooldown applies again.
	require.ErrorIs(t, p.Request(ctx, testPhone), ErrRateLimited)
}

func TestBanIsPermanent(t *testing.T) {
	p, store, _, clock := newTestPolicy(t)
	ctx := context.Background()

	c := model.OtpChallenge{
		PhoneNumber:  testPhone,
		CodeHash:     HashCode(testPhone, "1234", "pepper"),
		CreatedAt:    clock.Add(-48 * time.Hour),
		ExpiresAt:    clock.Add(-48 * time.Hour).Add(5 * time.Minute),
		Valid:        true,
		RequestCount: 11,
	}
	store.rows[testPhone] = c

	// Elapsed cooldown does not lift a ban.
	require.ErrorIs(t, p.Request(ctx, testPhone), ErrBanned)
	require.ErrorIs(t, p.Resend(ctx, testPhone), ErrBanned)
	assert.Equal(t, c, store.rows[testPhone])
}

func TestCounterClimbsToBan(t *testing.T) {
	p, store, _, clock := newTestPolicy(t)
	ctx := context.Background()

	require.NoError(t, p.Request(ctx, testPhone))

	// Each cooldown-elapsed resend increments the counter; the eleventh
	// request trips the ban check on the twelfth.
	for store.rows[testPhone].RequestCount <= 10 {
		*clock = clock.Add(31 * time.Minute)
		require.NoError(t, p.Request(ctx, testPhone))
	}
	assert.Equal(t, 11, store.rows[testPhone].RequestCount)

	*clock = clock.Add(31 * time.Minute)
	require.ErrorIs(t, p.Request(ctx, testPhone), ErrBanned)
}

func TestResendRequiresPriorChallenge(t *testing.T) {
	p, _, _, _ := newTestPolicy(t)

	err := p.Resend(context.Background(), testPhone)
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyConsumesChallenge(t *testing.T) {
	p, store, sender, _ := newTestPolicy(t)
	ctx := context.Background()

	require.NoError(t, p.Request(ctx, testPhone))
	code := sender.lastCode(t)

	require.NoError(t, p.Verify(ctx, testPhone, code))
	_, ok := store.rows[testPhone]
	assert.False(t, ok, "verified challenge must be deleted")

	// Single use: replaying the same code fails.
	require.ErrorIs(t, p.Verify(ctx, testPhone, code), ErrNoChallenge)
}

func TestVerifyCodeMismatch(t *testing.T) {
	p, store, sender, _ := newTestPolicy(t)
	ctx := context.Background()

	require.NoError(t, p.Request(ctx, testPhone))
	wrong := "0000"
	if sender.lastCode(t) == wrong {
		wrong = "1111"
	}

	require.ErrorIs(t, p.Verify(ctx, testPhone, wrong), ErrCodeMismatch)
	_, ok := store.rows[testPhone]
	assert.True(t, ok, "mismatch must not consume the challenge")
}

func TestVerifyExpiry(t *testing.T) {
	p, _, sender, clock := newTestPolicy(t)
	ctx := context.Background()

	require.NoError(t, p.Request(ctx, testPhone))
	code := sender.lastCode(t)

	*clock = clock.Add(5*time.Minute + time.Second)
	require.ErrorIs(t, p.Verify(ctx, testPhone, code), ErrExpired)
}

func TestVerifyJustBeforeExpiry(t *testing.T) {
	p, _, sender, clock := newTestPolicy(t)
	ctx := context.Background()

	require.NoError(t, p.Request(ctx, testPhone))
	code := sender.lastCode(t)

	*clock = clock.Add(5*time.Minute - time.Second)
	require.NoError(t, p.Verify(ctx, testPhone, code))
}

func TestSendFailureKeepsChallenge(t *testing.T) {
	p, store, sender, _ := newTestPolicy(t)
	ctx := context.Background()

	sender.err = errors.New("carrier unreachable")
	err := p.Request(ctx, testPhone)
	require.ErrorIs(t, err, ErrSendFailed)

	c, ok := store.rows[testPhone]
	require.True(t, ok, "challenge must survive a failed dispatch")
	assert.Equal(t, 1, c.RequestCount)
	assert.True(t, c.Valid)
}

func TestHashCodeBindsPhoneAndSalt(t *testing.T) {
	h := HashCode(testPhone, "1234", "pepper")
	assert.False(t, bytes.Equal(h, HashCode("+2348000000000", "1234", "pepper")))
	assert.False(t, bytes.Equal(h, HashCode(testPhone, "1235", "pepper")))
	assert.False(t, bytes.Equal(h, HashCode(testPhone, "1234", "other")))
	assert.Equal(t, h, HashCode(testPhone, "1234", "pepper"))
}
