package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ckash/auth-server/internal/auth"
	"github.com/ckash/auth-server/internal/http/handlers"
	"github.com/ckash/auth-server/internal/middleware"
	"github.com/ckash/auth-server/internal/token"
)

// NewRouter wires the HTTP surface: public auth endpoints under
// /v1/auth and a bearer-protected group for account routes.
func NewRouter(svc *auth.Service, tokens *token.Service, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	authHandler := handlers.NewAuthHandler(svc, log)

	r.Get("/health", handlers.HandleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", authHandler.HandleSignup)
			r.Post("/signin", authHandler.HandleSignin)
			r.Post("/verify-otp-signup", authHandler.HandleVerifyOtpSignup)
			r.Post("/verify-otp-signin", authHandler.HandleVerifyOtpSignin)
			r.Post("/forgot-login-pin", authHandler.HandleForgotLoginPin)
			r.Post("/reset-login-pin", authHandler.HandleResetLoginPin)
			r.Post("/resend-otp", authHandler.HandleResendOtp)
			r.Post("/login", authHandler.HandleLogin)
			r.Post("/refresh-token", authHandler.HandleRefreshToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser(tokens, svc))
			r.Get("/secure-data", authHandler.HandleSecureData)
		})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
