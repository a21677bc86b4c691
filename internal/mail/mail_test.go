package mail

import (
	"bytes"
	"context"
	"errors"
	"testing"

	gomail "github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMagicLinkMessage(t *testing.T) {
	m, err := MagicLink("alice@example.com", "https://lic.example.com/verify?token=a.b.c&x=<y>", "12:00 UTC")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", m.To)
	assert.Contains(t, m.TextBody, "https://lic.example.com/verify?token=a.b.c&x=<y>")
	assert.Contains(t, m.HTMLBody, "token=a.b.c&amp;x=")
	assert.NotContains(t, m.HTMLBody, "<y>")
}

func TestSMTPSenderBuildsMultipartMessage(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 465, "no-reply@example.com", "u", "p", "ssl")
	s.log = zap.NewNop()

	var sent []*gomail.Message
	var dialer *gomail.Dialer
	s.dialAndSend = func(d *gomail.Dialer, msgs ...*gomail.Message) error {
		dialer = d
		sent = append(sent, msgs...)
		return nil
	}

	m, err := MagicLink("alice@example.com", "https://x/verify?token=t", "soon")
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), m))

	require.Len(t, sent, 1)
	assert.Equal(t, []string{"alice@example.com"}, sent[0].GetHeader("To"))
	assert.Equal(t, []string{"no-reply@example.com"}, sent[0].GetHeader("From"))
	var buf bytes.Buffer
	_, err = sent[0].WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "multipart/alternative")

	require.NotNil(t, dialer)
	assert.True(t, dialer.SSL)
	assert.Equal(t, "smtp.example.com", dialer.TLSConfig.ServerName)
}

func TestSMTPSenderTLSModes(t *testing.T) {
	d := NewSMTPSender("h", 25, "f", "", "", "none").dialer()
	assert.Equal(t, gomail.StartTLSPolicy(gomail.NoStartTLS), d.StartTLSPolicy)
	assert.False(t, d.SSL)

	d = NewSMTPSender("h", 587, "f", "", "", "starttls").dialer()
	assert.Equal(t, gomail.MandatoryStartTLS, d.StartTLSPolicy)

	s := NewSMTPSender("h", 587, "f", "", "", "")
	assert.Equal(t, "auto", s.TLSMode)
}

func TestSMTPSenderWrapsErrors(t *testing.T) {
	s := NewSMTPSender("h", 25, "f", "", "", "auto")
	s.log = zap.NewNop()
	boom := errors.New("connection refused")
	s.dialAndSend = func(*gomail.Dialer, ...*gomail.Message) error { return boom }

	err := s.Send(context.Background(), Message{To: "a@b.c", TextBody: "hi"})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{To: "a@b.c"}), context.Canceled)
}

func TestLogSenderKeepsMessages(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	require.NoError(t, s.Send(context.Background(), Message{To: "a@b.c", Subject: "one"}))
	require.NoError(t, s.Send(context.Background(), Message{To: "d@e.f", Subject: "two"}))

	sent := s.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "two", sent[1].Subject)
}
