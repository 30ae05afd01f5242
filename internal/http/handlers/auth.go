package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ckash/auth-server/internal/auth"
	"github.com/ckash/auth-server/internal/middleware"
	"github.com/ckash/auth-server/internal/model"
	"github.com/ckash/auth-server/internal/otp"
	"github.com/ckash/auth-server/internal/sms"
)

// AuthHandler exposes the authentication endpoints.
type AuthHandler struct {
	svc       *auth.Service
	ipLimiter *middleware.RateLimiter
	log       *zap.Logger
}

// NewAuthHandler creates the handler. The IP limiter fronts the
// OTP-issuing endpoints; per-phone limits are enforced by the policy.
func NewAuthHandler(svc *auth.Service, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:       svc,
		ipLimiter: middleware.NewRateLimiter(10*time.Minute, 20),
		log:       log,
	}
}

type signupRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	LoginPin    string `json:"login_pin"`
}

type phoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type verifyOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTP         string `json:"otp"`
	DeviceID    string `json:"device_id"`
}

type resetPinRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTP         string `json:"otp"`
	NewLoginPin string `json:"new_login_pin"`
}

type loginRequest struct {
	PhoneNumber string `json:"phone_number"`
	Pin         string `json:"pin"`
	DeviceID    string `json:"device_id"`
	GoogleID    string `json:"google_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// dispatchResult reports the OTP delivery outcome inside signup/signin
// responses. Delivery failure does not roll back the issued challenge.
type dispatchResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type messageResponse struct {
	Message  string          `json:"message"`
	Response *dispatchResult `json:"response,omitempty"`
}

type verifyResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	User    *userResponse `json:"user,omitempty"`
}

type userResponse struct {
	FirstName      string `json:"first_name"`
	ProfilePicture string `json:"profile_picture"`
	PhoneNumber    string `json:"phone_number"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// HandleSignup handles POST /v1/auth/signup.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.FirstName == "" || req.LastName == "" || req.PhoneNumber == "" || req.LoginPin == "" {
		respondWithError(w, http.StatusBadRequest, "first_name, last_name, phone_number and login_pin are required")
		return
	}
	if !h.ipLimiter.Allow(middleware.ClientIP(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	err := h.svc.Signup(r.Context(), auth.SignupRequest{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		LoginPin:    req.LoginPin,
	})
	if errors.Is(err, otp.ErrSendFailed) {
		// The signup and challenge are committed; only delivery failed.
		respondJSON(w, http.StatusOK, messageResponse{
			Message:  "Signup successful. OTP delivery failed.",
			Response: &dispatchResult{Success: false, Message: "Failed to send OTP."},
		})
		return
	}
	if err != nil {
		h.logFailure(req.PhoneNumber, "signup failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{
		Message:  "Signup successful. OTP sent.",
		Response: &dispatchResult{Success: true, Message: "OTP sent successfully."},
	})
}

// HandleSignin handles POST /v1/auth/signin.
func (h *AuthHandler) HandleSignin(w http.ResponseWriter, r *http.Request) {
	phone, ok := h.decodePhone(w, r)
	if !ok {
		return
	}
	if !h.ipLimiter.Allow(middleware.ClientIP(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	err := h.svc.Signin(r.Context(), phone)
	if errors.Is(err, otp.ErrSendFailed) {
		respondJSON(w, http.StatusOK, messageResponse{
			Message:  "Signin accepted. OTP delivery failed.",
			Response: &dispatchResult{Success: false, Message: "Failed to send OTP."},
		})
		return
	}
	if err != nil {
		h.logFailure(phone, "signin failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{
		Message:  "Signin successful. OTP sent.",
		Response: &dispatchResult{Success: true, Message: "OTP sent successfully."},
	})
}

// HandleVerifyOtpSignup handles POST /v1/auth/verify-otp-signup.
func (h *AuthHandler) HandleVerifyOtpSignup(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeVerify(w, r, &req) {
		return
	}

	if _, err := h.svc.VerifySignup(r.Context(), req.PhoneNumber, req.OTP); err != nil {
		h.logFailure(req.PhoneNumber, "signup verification failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, verifyResponse{Success: true, Message: "OTP verified successfully."})
}

// HandleVerifyOtpSignin handles POST /v1/auth/verify-otp-signin.
func (h *AuthHandler) HandleVerifyOtpSignin(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeVerify(w, r, &req) {
		return
	}

	user, err := h.svc.VerifySignin(r.Context(), req.PhoneNumber, req.OTP, req.DeviceID)
	if err != nil {
		h.logFailure(req.PhoneNumber, "signin verification failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, verifyResponse{
		Success: true,
		Message: "OTP verified successfully.",
		User:    publicUser(user),
	})
}

// HandleForgotLoginPin handles POST /v1/auth/forgot-login-pin.
func (h *AuthHandler) HandleForgotLoginPin(w http.ResponseWriter, r *http.Request) {
	phone, ok := h.decodePhone(w, r)
	if !ok {
		return
	}
	if !h.ipLimiter.Allow(middleware.ClientIP(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.svc.ForgotPin(r.Context(), phone); err != nil {
		h.logFailure(phone, "forgot pin failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "OTP sent successfully."})
}

// HandleResetLoginPin handles POST /v1/auth/reset-login-pin.
func (h *AuthHandler) HandleResetLoginPin(w http.ResponseWriter, r *http.Request) {
	var req resetPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.OTP = strings.TrimSpace(req.OTP)
	if req.PhoneNumber == "" || req.OTP == "" || req.NewLoginPin == "" {
		respondWithError(w, http.StatusBadRequest, "phone_number, otp and new_login_pin are required")
		return
	}

	if err := h.svc.ResetPin(r.Context(), req.PhoneNumber, req.OTP, req.NewLoginPin); err != nil {
		h.logFailure(req.PhoneNumber, "pin reset failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "Login PIN reset successfully."})
}

// HandleResendOtp handles POST /v1/auth/resend-otp.
func (h *AuthHandler) HandleResendOtp(w http.ResponseWriter, r *http.Request) {
	phone, ok := h.decodePhone(w, r)
	if !ok {
		return
	}
	if !h.ipLimiter.Allow(middleware.ClientIP(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.svc.Resend(r.Context(), phone); err != nil {
		h.logFailure(phone, "resend failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "OTP resent successfully."})
}

// HandleLogin handles POST /v1/auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" || req.Pin == "" {
		respondWithError(w, http.StatusBadRequest, "phone_number and pin are required")
		return
	}

	pair, err := h.svc.Login(r.Context(), req.PhoneNumber, req.Pin,
		optional(req.DeviceID), optional(req.GoogleID))
	if err != nil {
		h.logFailure(req.PhoneNumber, "login failed", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
	})
}

// HandleRefreshToken handles POST /v1/auth/refresh-token.
func (h *AuthHandler) HandleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
	})
}

// HandleSecureData handles GET /v1/secure-data, a protected example route.
func (h *AuthHandler) HandleSecureData(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{
		Message: "Hello " + user.FirstName + ", this is protected data.",
	})
}

func (h *AuthHandler) decodePhone(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req phoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return "", false
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		respondWithError(w, http.StatusBadRequest, "phone_number is required")
		return "", false
	}
	return phone, true
}

func decodeVerify(w http.ResponseWriter, r *http.Request, req *verifyOTPRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return false
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.OTP = strings.TrimSpace(req.OTP)
	if req.PhoneNumber == "" || req.OTP == "" {
		respondWithError(w, http.StatusBadRequest, "phone_number and otp are required")
		return false
	}
	return true
}

// writeServiceError maps the service error taxonomy to HTTP statuses.
// Token failures stay a single undifferentiated 401.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrPhoneExists):
		respondWithError(w, http.StatusBadRequest, "User with this phone number already exists.")
	case errors.Is(err, auth.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "User not found.")
	case errors.Is(err, auth.ErrNoPendingSignup):
		respondWithError(w, http.StatusNotFound, "No pending signup found for this phone number.")
	case errors.Is(err, otp.ErrNoChallenge):
		respondWithError(w, http.StatusNotFound, "Invalid or expired OTP.")
	case errors.Is(err, otp.ErrCodeMismatch):
		respondWithError(w, http.StatusBadRequest, "Invalid OTP.")
	case errors.Is(err, otp.ErrExpired):
		respondWithError(w, http.StatusBadRequest, "OTP has expired.")
	case errors.Is(err, otp.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "Too many requests. Please try again after 30 minutes.")
	case errors.Is(err, otp.ErrBanned):
		respondWithError(w, http.StatusTooManyRequests, "OTP requests for this number are blocked due to excessive requests.")
	case errors.Is(err, otp.ErrSendFailed):
		respondWithError(w, http.StatusInternalServerError, "Failed to send OTP.")
	case errors.Is(err, auth.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, "Unauthorized.")
	default:
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *AuthHandler) logFailure(phone, msg string, err error) {
	h.log.Warn(msg, zap.String("phone", sms.MaskNumber(phone)), zap.Error(err))
}

func publicUser(u model.User) *userResponse {
	picture := ""
	if u.ProfilePicture != nil {
		picture = *u.ProfilePicture
	}
	return &userResponse{
		FirstName:      u.FirstName,
		ProfilePicture: picture,
		PhoneNumber:    u.PhoneNumber,
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
