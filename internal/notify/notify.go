// Package notify delivers non-mutating notifications: email over SMTP and
// outbound webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Email is one rendered email notification.
type Email struct {
	Recipients []string
	Subject    string
	Body       string
}

// EmailSender delivers emails. Implemented by SMTPSender; tests swap in fakes.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// SMTPSender sends mail through a single SMTP relay with PLAIN auth.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTP-backed email sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send delivers one email. The context deadline is not honored mid-dial;
// smtp.SendMail manages its own connection lifetime.
func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(email.Recipients) == 0 {
		return fmt.Errorf("notify: email has no recipients")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(email.Recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", email.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(email.Body)

	host := s.cfg.Addr
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	if err := smtp.SendMail(s.cfg.Addr, auth, s.cfg.From, email.Recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("notify: send email: %w", err)
	}
	return nil
}

// WebhookSender posts JSON payloads to user-configured endpoints.
type WebhookSender struct {
	httpClient *http.Client
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

// Send delivers one webhook. Any non-2xx response is an error; the caller
// records it as a failed action, never raises it.
func (w *WebhookSender) Send(ctx context.Context, url, method string, headers map[string]string, payload any) error {
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
