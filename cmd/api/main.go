package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/ckash/auth-server/internal/auth"
	"github.com/ckash/auth-server/internal/avatar"
	"github.com/ckash/auth-server/internal/config"
	"github.com/ckash/auth-server/internal/db"
	apphttp "github.com/ckash/auth-server/internal/http"
	"github.com/ckash/auth-server/internal/otp"
	"github.com/ckash/auth-server/internal/repo"
	"github.com/ckash/auth-server/internal/sms"
	"github.com/ckash/auth-server/internal/token"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("config", zap.Error(err))
	}

	var log *zap.Logger
	if cfg.Env == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connect", zap.String("dsn", db.RedactDSN(cfg.DatabaseURL)), zap.Error(err))
	}
	defer database.Close()

	goose.SetBaseFS(db.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal("goose dialect", zap.Error(err))
	}
	if err := goose.Up(database, "migrations"); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	var sender sms.Sender
	if cfg.SMSConfigured() {
		sender, err = sms.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, log)
		if err != nil {
			log.Fatal("twilio", zap.Error(err))
		}
	} else {
		log.Warn("twilio credentials absent, logging OTPs instead of sending")
		sender = sms.NewLogSender(log)
	}

	otpPolicy := otp.NewPolicy(repo.NewOtpStore(database), sender, cfg.OTPSalt, otp.Limits{
		CodeLength:      cfg.OTPCodeLength,
		Validity:        cfg.OTPValidity,
		Cooldown:        cfg.OTPCooldown,
		ResendThreshold: cfg.OTPResendThreshold,
		BanThreshold:    cfg.OTPBanThreshold,
	}, log)

	tokens := token.NewService(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	svc := auth.NewService(
		repo.NewUserRepo(database),
		repo.NewPendingRepo(database),
		otpPolicy,
		tokens,
		avatar.InitialsGenerator{},
		avatar.StaticUploader{BaseURL: cfg.AvatarBaseURL},
		log,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apphttp.NewRouter(svc, tokens, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
