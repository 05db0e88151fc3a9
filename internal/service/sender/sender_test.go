package sender

import (
	"context"
	"testing"

	"mailfollowup/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildMessageSetsThreadingHeaders(t *testing.T) {
	m, err := buildMessage("me@example.com", Message{
		To:        []string{"a@example.com", "b@example.com"},
		Subject:   "Following up",
		Body:      "hello",
		InReplyTo: "abc@mail.example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"me@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"<abc@mail.example.com>"}, m.GetHeader("In-Reply-To"))
	assert.Equal(t, []string{"<abc@mail.example.com>"}, m.GetHeader("References"))
}

func TestBuildMessageRequiresRecipients(t *testing.T) {
	_, err := buildMessage("me@example.com", Message{Subject: "x"})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestNewFallsBackToLogSender(t *testing.T) {
	s := New(config.SMTPConfig{}, zap.NewNop())
	_, ok := s.(*LogSender)
	assert.True(t, ok)
	assert.NoError(t, s.Send(context.Background(), Message{To: []string{"a@example.com"}}))

	_, ok = New(config.SMTPConfig{Host: "smtp.example.com", Port: 587}, zap.NewNop()).(*SMTPSender)
	assert.True(t, ok)
}

func TestSMTPSenderHonoursCancelledContext(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{To: []string{"a@example.com"}}), context.Canceled)
}
