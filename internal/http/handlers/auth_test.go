package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ckash/auth-server/internal/auth"
	"github.com/ckash/auth-server/internal/avatar"
	apphttp "github.com/ckash/auth-server/internal/http"
	"github.com/ckash/auth-server/internal/model"
	"github.com/ckash/auth-server/internal/otp"
	"github.com/ckash/auth-server/internal/repo"
	"github.com/ckash/auth-server/internal/token"
)

const testPhone = "+2348012345678"

type captureSender struct {
	messages []string
}

func (s *captureSender) Send(ctx context.Context, phone, message string) error {
	s.messages = append(s.messages, message)
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, s.messages)
	fields := strings.Fields(s.messages[len(s.messages)-1])
	require.Greater(t, len(fields), 4)
	return strings.TrimSuffix(fields[4], ".")
}

type harness struct {
	router http.Handler
	mem    *repo.Memory
	sender *captureSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := repo.NewMemory()
	sender := &captureSender{}
	policy := otp.NewPolicy(mem.Otps(), sender, "pepper", otp.Limits{
		CodeLength:      4,
		Validity:        5 * time.Minute,
		Cooldown:        30 * time.Minute,
		ResendThreshold: 5,
		BanThreshold:    10,
	}, zap.NewNop())
	tokens := token.NewService("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)
	svc := auth.NewService(
		mem.Users(), mem.Pending(), policy, tokens,
		avatar.InitialsGenerator{}, avatar.StaticUploader{BaseURL: "https://cdn.test"},
		zap.NewNop(),
	)
	return &harness{
		router: apphttp.NewRouter(svc, tokens, zap.NewNop()),
		mem:    mem,
		sender: sender,
	}
}

func (h *harness) seedUser(t *testing.T, pin string) {
	t.Helper()
	pinHash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	require.NoError(t, err)
	h.mem.SeedUser(model.User{
		ID:          uuid.New(),
		FirstName:   "Ada",
		LastName:    "Obi",
		PhoneNumber: testPhone,
		PinHash:     string(pinHash),
		CreatedAt:   time.Now().UTC(),
	})
}

func (h *harness) post(t *testing.T, path string, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestSignupFlow(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/v1/auth/signup", map[string]string{
		"first_name":   "Ada",
		"last_name":    "Obi",
		"phone_number": testPhone,
		"login_pin":    "4321",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	resp, ok := body["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, resp["success"])

	rec = h.post(t, "/v1/auth/verify-otp-signup", map[string]string{
		"phone_number": testPhone,
		"otp":          h.sender.lastCode(t),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	// The number is now a verified user; a second signup is rejected.
	rec = h.post(t, "/v1/auth/signup", map[string]string{
		"first_name":   "Ada",
		"last_name":    "Obi",
		"phone_number": testPhone,
		"login_pin":    "4321",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User with this phone number already exists.", decodeBody(t, rec)["error"])
}

func TestSignupValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/v1/auth/signup", map[string]string{"first_name": "Ada"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signup", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSigninUnknownNumber(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/v1/auth/signin", map[string]string{"phone_number": testPhone})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found.", decodeBody(t, rec)["error"])
}

func TestVerifyOtpSigninReturnsUser(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	rec := h.post(t, "/v1/auth/signin", map[string]string{"phone_number": testPhone})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.post(t, "/v1/auth/verify-otp-signin", map[string]string{
		"phone_number": testPhone,
		"otp":          h.sender.lastCode(t),
		"device_id":    "device-77",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada", user["first_name"])
	assert.Equal(t, testPhone, user["phone_number"])
}

func TestVerifyOtpWrongCode(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	rec := h.post(t, "/v1/auth/signin", map[string]string{"phone_number": testPhone})
	require.Equal(t, http.StatusOK, rec.Code)

	wrong := "0000"
	if h.sender.lastCode(t) == wrong {
		wrong = "1111"
	}
	rec = h.post(t, "/v1/auth/verify-otp-signin", map[string]string{
		"phone_number": testPhone,
		"otp":          wrong,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyOtpNoChallenge(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/v1/auth/verify-otp-signup", map[string]string{
		"phone_number": testPhone,
		"otp":          "1234",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Invalid or expired OTP.", decodeBody(t, rec)["error"])
}

func TestOtpRateLimitSurfacesAs429(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	for i := 0; i < 5; i++ {
		rec := h.post(t, "/v1/auth/signin", map[string]string{"phone_number": testPhone})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.post(t, "/v1/auth/signin", map[string]string{"phone_number": testPhone})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestResendWithoutPriorChallenge(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/v1/auth/resend-otp", map[string]string{"phone_number": testPhone})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginAndRefresh(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	rec := h.post(t, "/v1/auth/login", map[string]string{
		"phone_number": testPhone,
		"pin":          "1234",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "bearer", body["token_type"])
	refresh, _ := body["refresh_token"].(string)
	require.NotEmpty(t, refresh)

	rec = h.post(t, "/v1/auth/refresh-token", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["access_token"])
}

func TestLoginWrongPin(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	rec := h.post(t, "/v1/auth/login", map[string]string{
		"phone_number": testPhone,
		"pin":          "9999",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized.", decodeBody(t, rec)["error"])
}

func TestRefreshGarbage(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/v1/auth/refresh-token", map[string]string{"refresh_token": "junk"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResetPinFlow(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	rec := h.post(t, "/v1/auth/forgot-login-pin", map[string]string{"phone_number": testPhone})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.post(t, "/v1/auth/reset-login-pin", map[string]string{
		"phone_number":  testPhone,
		"otp":           h.sender.lastCode(t),
		"new_login_pin": "5678",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.post(t, "/v1/auth/login", map[string]string{
		"phone_number": testPhone,
		"pin":          "5678",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecureDataRequiresBearer(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "1234")

	req := httptest.NewRequest(http.MethodGet, "/v1/secure-data", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	login := h.post(t, "/v1/auth/login", map[string]string{
		"phone_number": testPhone,
		"pin":          "1234",
	})
	require.Equal(t, http.StatusOK, login.Code)
	access, _ := decodeBody(t, login)["access_token"].(string)
	require.NotEmpty(t, access)

	req = httptest.NewRequest(http.MethodGet, "/v1/secure-data", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "Ada")
}
