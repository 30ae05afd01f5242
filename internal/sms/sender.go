package sms

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Sender delivers a text message to a phone number.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// LogSender logs instead of sending. Used when Twilio credentials are not
// configured (development) and in tests.
type LogSender struct {
	log *zap.Logger
}

// NewLogSender creates a sender that only logs deliveries.
func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, phone, message string) error {
	s.log.Info("sms delivery suppressed",
		zap.String("phone", MaskNumber(phone)),
		zap.Int("message_len", len(message)),
	)
	return nil
}

// MaskNumber masks a phone number for logging (e.g. +23******90).
func MaskNumber(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
