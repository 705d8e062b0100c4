package notify

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
)

type mailCapture struct {
	addr string
	from string
	to   []string
	msg  string
	err  error
}

func (m *mailCapture) send(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	m.addr, m.from, m.to, m.msg = addr, from, to, string(msg)
	return m.err
}

func smtpConfig() config.EmailConfig {
	return config.EmailConfig{
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		Username: "alerts@example.com",
		Password: "secret",
		From:     "Axion <alerts@example.com>",
	}
}

func TestEmailValidateRecipient(t *testing.T) {
	t.Parallel()

	email := NewEmail(config.EmailConfig{}, nil, fixedClock(), nil)
	for recipient, want := range map[string]bool{
		"trader@example.com":     true,
		"first.last+x@sub.io":    true,
		"no-at-sign.example.com": false,
		"trader@localhost":       false,
		"trader@example.c":       false,
		"":                       false,
	} {
		if got := email.ValidateRecipient(recipient); got != want {
			t.Fatalf("%q: got %v want %v", recipient, got, want)
		}
	}
}

func TestEmailInvalidRecipientSkipsSend(t *testing.T) {
	t.Parallel()

	capture := &mailCapture{}
	email := NewEmail(smtpConfig(), capture.send, fixedClock(), nil)
	n := newNotification(domain.ChannelEmail, "not-an-email")
	if email.Send(context.Background(), n) {
		t.Fatalf("expected failure")
	}
	if capture.addr != "" {
		t.Fatalf("no SMTP call expected for invalid recipient")
	}
	if !n.Failed() || !n.Terminal || !strings.Contains(n.ErrorMessage, "invalid email address") {
		t.Fatalf("unexpected failure state: %+v", n)
	}
}

func TestEmailDryRunWithoutCredentials(t *testing.T) {
	t.Parallel()

	capture := &mailCapture{}
	email := NewEmail(config.EmailConfig{SMTPHost: "smtp.example.com"}, capture.send, fixedClock(), nil)
	n := newNotification(domain.ChannelEmail, "trader@example.com")
	if !email.Send(context.Background(), n) || n.Status != domain.DeliverySent {
		t.Fatalf("dry run must mark sent: %+v", n)
	}
	if capture.addr != "" {
		t.Fatalf("dry run must not call SMTP")
	}
}

func TestEmailSendsThroughSMTP(t *testing.T) {
	t.Parallel()

	capture := &mailCapture{}
	email := NewEmail(smtpConfig(), capture.send, fixedClock(), nil)
	n := newNotification(domain.ChannelEmail, "trader@example.com")
	if !email.Send(context.Background(), n) {
		t.Fatalf("expected success, got %+v", n)
	}
	if capture.addr != "smtp.example.com:587" || capture.to[0] != "trader@example.com" {
		t.Fatalf("unexpected smtp call: %+v", capture)
	}
	if !strings.Contains(capture.msg, "Subject: Axion Alert: AAPL breakout\r\n") || !strings.HasSuffix(capture.msg, "AAPL above 200\r\n") {
		t.Fatalf("unexpected message: %q", capture.msg)
	}
	if n.SentAt == nil || !n.SentAt.Equal(fixedNow) {
		t.Fatalf("expected sent at fixed time")
	}
}

func TestEmailSMTPErrorIsRetryable(t *testing.T) {
	t.Parallel()

	capture := &mailCapture{err: errors.New("421 try later")}
	email := NewEmail(smtpConfig(), capture.send, fixedClock(), nil)
	n := newNotification(domain.ChannelEmail, "trader@example.com")
	if email.Send(context.Background(), n) {
		t.Fatalf("expected failure")
	}
	if n.Terminal || !strings.Contains(n.ErrorMessage, "421 try later") {
		t.Fatalf("unexpected failure state: %+v", n)
	}
}

func TestEmailTimeoutBoundsStalledSend(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stalled := func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}
	cfg := smtpConfig()
	cfg.TimeoutSec = 1
	email := NewEmail(cfg, stalled, fixedClock(), nil)
	n := newNotification(domain.ChannelEmail, "trader@example.com")

	started := time.Now()
	if email.Send(context.Background(), n) {
		t.Fatalf("expected failure for stalled server")
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("send not bounded by timeout_sec: %s", elapsed)
	}
	if !n.Failed() || n.Terminal || !strings.Contains(n.ErrorMessage, "deadline exceeded") {
		t.Fatalf("unexpected failure state: %+v", n)
	}
}

func TestDialSendMailDeadlineOnSilentServer(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	t.Cleanup(func() {
		listener.Close()
		select {
		case conn := <-accepted:
			conn.Close()
		default:
		}
	})
	// Accept and never greet; the client must give up on its own deadline.
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	send := dialSendMail(300 * time.Millisecond)
	started := time.Now()
	err = send(listener.Addr().String(), nil, "alerts@example.com", []string{"trader@example.com"}, []byte("hi"))
	if err == nil {
		t.Fatalf("expected error from silent server")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("dial path ignored deadline: %s", elapsed)
	}
}
