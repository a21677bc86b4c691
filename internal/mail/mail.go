// Package mail delivers magic-link emails.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"sync"

	gomail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/example/licensing/internal/logger"
)

// Message is one outbound email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

type SMTPSender struct {
	Host    string
	Port    int
	From    string
	User    string
	Pass    string
	TLSMode string // auto | starttls | ssl | none

	log         *zap.Logger
	dialAndSend func(*gomail.Dialer, ...*gomail.Message) error
}

func NewSMTPSender(host string, port int, from, user, pass, tlsMode string) *SMTPSender {
	if tlsMode == "" {
		tlsMode = "auto"
	}
	return &SMTPSender{
		Host:    host,
		Port:    port,
		From:    from,
		User:    user,
		Pass:    pass,
		TLSMode: tlsMode,
		log:     logger.Named("mail"),
	}
}

func (s *SMTPSender) message(m Message) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.From)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	switch {
	case m.TextBody != "" && m.HTMLBody != "":
		msg.SetBody("text/plain", m.TextBody)
		msg.AddAlternative("text/html", m.HTMLBody)
	case m.HTMLBody != "":
		msg.SetBody("text/html", m.HTMLBody)
	default:
		msg.SetBody("text/plain", m.TextBody)
	}
	return msg
}

func (s *SMTPSender) dialer() *gomail.Dialer {
	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	d.TLSConfig = &tls.Config{ServerName: s.Host}
	switch s.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = gomail.NoStartTLS
	case "starttls":
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	}
	return d
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	send := s.dialAndSend
	if send == nil {
		send = (*gomail.Dialer).DialAndSend
	}
	if err := send(s.dialer(), s.message(m)); err != nil {
		s.log.Warn("smtp send failed", logger.Email(m.To), logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.Info("smtp send ok", logger.Email(m.To))
	return nil
}

// LogSender writes messages to the log instead of sending them. It keeps the
// last messages for tests and local runs.
type LogSender struct {
	log  *zap.Logger
	mu   sync.Mutex
	sent []Message
}

func NewLogSender(l *zap.Logger) *LogSender {
	if l == nil {
		l = logger.Named("mail")
	}
	return &LogSender{log: l}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	s.log.Info("mail not sent, no SMTP host configured",
		logger.Email(m.To),
		logger.String("subject", m.Subject),
		logger.String("body", m.TextBody),
	)
	return nil
}

// Sent returns a copy of everything passed to Send.
func (s *LogSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

var magicLinkHTML = template.Must(template.New("magic").Parse(`<!doctype html>
<html><body>
<p>Confirm this device to finish activating your license.</p>
<p><a href="{{.Link}}">Activate device</a></p>
<p>The link expires at {{.Expires}}. If you did not ask for it, ignore this email.</p>
</body></html>`))

// MagicLink builds the activation email for link.
func MagicLink(to, link, expires string) (Message, error) {
	var buf bytes.Buffer
	if err := magicLinkHTML.Execute(&buf, struct{ Link, Expires string }{link, expires}); err != nil {
		return Message{}, err
	}
	return Message{
		To:       to,
		Subject:  "Activate your device",
		TextBody: fmt.Sprintf("Open this link to activate your device:\n\n%s\n\nIt expires at %s.\n", link, expires),
		HTMLBody: buf.String(),
	}, nil
}
