package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSMTPConfig is returned for an SMTP configuration missing its host or sender
var ErrInvalidSMTPConfig = errors.New("notification: invalid smtp configuration")

// SMTPConfig configures an SMTPSender
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// StartTLS upgrades the connection before authenticating
	StartTLS bool
	Timeout  time.Duration
}

// DialFunc opens the transport connection to the SMTP server
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SMTPSender delivers emails through an SMTP relay
type SMTPSender struct {
	config SMTPConfig
	dial   DialFunc
	logger *slog.Logger
}

// SMTPOption configures an SMTPSender
type SMTPOption func(*SMTPSender)

// WithDialFunc replaces the TCP dialer, mainly for tests
func WithDialFunc(dial DialFunc) SMTPOption {
	return func(s *SMTPSender) {
		s.dial = dial
	}
}

// WithSMTPLogger sets the logger
func WithSMTPLogger(logger *slog.Logger) SMTPOption {
	return func(s *SMTPSender) {
		s.logger = logger
	}
}

// NewSMTPSender creates a sender for config
func NewSMTPSender(config SMTPConfig, options ...SMTPOption) (*SMTPSender, error) {
	if config.Host == "" || config.From == "" {
		return nil, ErrInvalidSMTPConfig
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	s := &SMTPSender{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.dial == nil {
		dialer := &net.Dialer{Timeout: config.Timeout}
		s.dial = dialer.DialContext
	}

	return s, nil
}

// Send implements Sender. The whole exchange is bounded by the configured
// timeout or ctx, whichever ends first.
func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	if email.To == "" {
		return fmt.Errorf("notification: email has no recipient")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if s.config.StartTLS {
		tlsConfig := &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(email.To); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(s.buildMessage(email, time.Now()))); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// the server has accepted the message once DATA is closed
	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}

	s.logger.InfoContext(ctx, "email sent", "to", email.To, "subject", email.Subject)
	return nil
}

// buildMessage renders headers and a multipart/alternative body when both
// text and HTML are present.
func (s *SMTPSender) buildMessage(email Email, now time.Time) string {
	var msg strings.Builder

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", email.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", email.Subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", uuid.NewString(), s.config.Host)
	msg.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case email.HTML != "" && email.Text != "":
		boundary := "cadence_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

		fmt.Fprintf(&msg, "--%s\r\n", boundary)
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		msg.WriteString(email.Text)
		msg.WriteString("\r\n")

		fmt.Fprintf(&msg, "--%s\r\n", boundary)
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		msg.WriteString(email.HTML)
		msg.WriteString("\r\n")

		fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	case email.HTML != "":
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		msg.WriteString(email.HTML)
	default:
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		msg.WriteString(email.Text)
	}

	return msg.String()
}
