// Package mailer sends outbound mail through a plain SMTP relay. It is the
// handler behind the mail.send tool; relay failures come back as domain
// errors with credentials redacted.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"
)

// Message is one outbound mail.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Config configures a Mailer. Username/Password may be empty for an
// unauthenticated local relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Mailer delivers messages over SMTP.
type Mailer struct {
	cfg  Config
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(cfg Config) *Mailer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

// Send delivers msg through the configured relay. The error message is
// sanitized before returning; it is safe to echo back to the model.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if m.cfg.Host == "" {
		return fmt.Errorf("mail relay not configured")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("missing recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	payload := m.encode(msg)

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.From, msg.To, payload)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			sanitized := m.Redact(err.Error())
			m.cfg.Logger.Warn("mail delivery failed",
				"relay", m.cfg.Host, "recipients", len(msg.To), "error", sanitized)
			return fmt.Errorf("mail relay: %s", sanitized)
		}
	case <-time.After(m.cfg.Timeout):
		return fmt.Errorf("mail relay: timed out after %s", m.cfg.Timeout)
	}

	m.cfg.Logger.Info("mail delivered", "recipients", len(msg.To), "subject", msg.Subject)
	return nil
}

func (m *Mailer) encode(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// sanitizeHeader cuts the value at the first CR or LF; anything after a line
// break would land in the payload as a forged header.
func sanitizeHeader(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd)[=:]\s*\S+`),
	regexp.MustCompile(`(?i)(authorization|token|secret|api[_-]?key)[=:]\s*\S+`),
	regexp.MustCompile(`(?i)(AUTH\s+PLAIN)\s+\S+`),
}

// Redact masks credential-shaped fragments and the configured password in a
// message destined for logs or the model.
func (m *Mailer) Redact(s string) string {
	if m.cfg.Password != "" {
		s = strings.ReplaceAll(s, m.cfg.Password, "[redacted]")
	}
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "$1=[redacted]")
	}
	return s
}
