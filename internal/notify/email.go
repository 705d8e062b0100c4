package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strconv"
	"strings"
	"time"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/permanent"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Email delivers notifications over SMTP. Without credentials it logs and reports success.
type Email struct {
	base
	cfg      config.EmailConfig
	timeout  time.Duration
	sendMail SendMailFunc
}

// NewEmail creates the email channel.
// Params: SMTP settings, optional send function (deadline-bound SMTP dial when nil), clock, logger.
// Returns: email channel.
func NewEmail(cfg config.EmailConfig, sendMail SendMailFunc, clk clock.Clock, logger *slog.Logger) *Email {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if sendMail == nil {
		sendMail = dialSendMail(timeout)
	}
	return &Email{base: newBase(domain.ChannelEmail, clk, logger), cfg: cfg, timeout: timeout, sendMail: sendMail}
}

// ValidateRecipient checks the address shape.
func (c *Email) ValidateRecipient(recipient string) bool {
	return emailPattern.MatchString(strings.TrimSpace(recipient))
}

// Send delivers one message.
func (c *Email) Send(ctx context.Context, notification *domain.Notification) bool {
	return c.finish(notification, c.deliver(ctx, notification))
}

func (c *Email) deliver(ctx context.Context, notification *domain.Notification) error {
	recipient := strings.TrimSpace(notification.Recipient)
	if !c.ValidateRecipient(recipient) {
		return permanent.Errorf("invalid email address %q", recipient)
	}
	if c.cfg.DryRun() {
		c.logger.Info("email dry run", "to", recipient, "subject", notification.Subject, "notification_id", notification.ID)
		return nil
	}

	from := strings.TrimSpace(c.cfg.From)
	if from == "" {
		from = c.cfg.Username
	}
	msg := buildMailMessage(from, recipient, notification.Subject, notification.Message)
	addr := net.JoinHostPort(c.cfg.SMTPHost, strconv.Itoa(c.cfg.SMTPPort))
	auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.sendMail(addr, auth, from, []string{recipient}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// dialSendMail sends like smtp.SendMail, with the whole session bound by timeout.
func dialSendMail(timeout time.Duration) SendMailFunc {
	return func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return permanent.Errorf("smtp address %q: %v", addr, err)
		}
		conn, err := (&net.Dialer{Timeout: timeout}).Dial("tcp", addr)
		if err != nil {
			return err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return err
		}
		client, err := smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return err
		}
		defer client.Close()

		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return err
			}
		}
		if auth != nil {
			if ok, _ := client.Extension("AUTH"); ok {
				if err := client.Auth(auth); err != nil {
					return err
				}
			}
		}
		if err := client.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := client.Rcpt(rcpt); err != nil {
				return err
			}
		}
		writer, err := client.Data()
		if err != nil {
			return err
		}
		if _, err := writer.Write(msg); err != nil {
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		return client.Quit()
	}
}

func buildMailMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + strings.NewReplacer("\r", " ", "\n", " ").Replace(subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
