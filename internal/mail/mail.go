// Package mail sends plain-text mail over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scalytics/pmdaemon/internal/config"
)

// ErrDisabled is returned when mail is not configured.
var ErrDisabled = errors.New("mail: disabled")

// Sender delivers one message.
type Sender interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP is a Sender backed by an SMTP relay.
type SMTP struct {
	cfg  config.MailConfig
	send sendFunc
	now  func() time.Time
}

// NewSMTP creates the SMTP sender.
func NewSMTP(cfg config.MailConfig) *SMTP {
	return &SMTP{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// SendMail delivers body to a comma separated recipient list.
func (m *SMTP) SendMail(ctx context.Context, to, subject, body string) error {
	if !m.cfg.Enabled || m.cfg.Host == "" {
		return ErrDisabled
	}
	var rcpts []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rcpts = append(rcpts, r)
		}
	}
	if len(rcpts) == 0 {
		return errors.New("mail: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port := m.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	msg := m.compose(from, rcpts, subject, body)
	if err := m.send(addr, auth, from, rcpts, msg); err != nil {
		return fmt.Errorf("mail to %s: %w", to, err)
	}
	return nil
}

func (m *SMTP) compose(from string, to []string, subject, body string) []byte {
	domain := "pmdaemon.local"
	if _, d, ok := strings.Cut(from, "@"); ok && d != "" {
		domain = d
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domain)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
