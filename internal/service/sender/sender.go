// Package sender delivers follow-up messages over SMTP.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailfollowup/pkg/config"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

var ErrNoRecipients = errors.New("message has no recipients")

type Message struct {
	To       []string
	Subject  string
	Body     string
	ThreadID string
	// InReplyTo is the Message-ID of the original mail, when known.
	InReplyTo string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends through a relay with gomail.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := buildMessage(s.from, msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

func buildMessage(from string, msg Message) (*gomail.Message, error) {
	if len(msg.To) == 0 {
		return nil, ErrNoRecipients
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	if msg.InReplyTo != "" {
		ref := msg.InReplyTo
		if !strings.HasPrefix(ref, "<") {
			ref = "<" + ref + ">"
		}
		m.SetHeader("In-Reply-To", ref)
		m.SetHeader("References", ref)
	}
	m.SetBody("text/plain", msg.Body)
	return m, nil
}

// LogSender only logs. Used when no SMTP relay is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	s.logger.Info("Follow-up message (not delivered, no SMTP relay)",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_len", len(msg.Body)),
	)
	return nil
}

// New returns an SMTP sender when a host is configured, otherwise a LogSender.
func New(cfg config.SMTPConfig, logger *zap.Logger) Sender {
	if cfg.Host == "" {
		return NewLogSender(logger)
	}
	return NewSMTPSender(cfg)
}
