// Package mail delivers run reports over SMTP.
package mail

import (
	"context"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/rendis/codeloop/pkg/schema"
)

// Sender delivers one HTML message.
type Sender interface {
	Send(ctx context.Context, subject, htmlBody string) error
}

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// SSL selects implicit TLS (usually port 465); otherwise STARTTLS is
	// attempted when the server offers it.
	SSL     bool
	Timeout time.Duration
}

// SMTP sends mail with go-mail.
type SMTP struct {
	cfg Config
}

var _ Sender = (*SMTP)(nil)

// NewSMTP validates cfg and returns a sender.
func NewSMTP(cfg Config) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "mail: smtp host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "mail: from and to addresses are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTP{cfg: cfg}, nil
}

// Message builds the MIME message without sending it.
func (s *SMTP) Message(subject, htmlBody string) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, sendError("invalid from address", err)
	}
	if err := m.To(s.cfg.To...); err != nil {
		return nil, sendError("invalid to address", err)
	}
	m.Subject(subject)
	m.SetBodyString(gomail.TypeTextHTML, htmlBody)
	return m, nil
}

// Send delivers the message. Every failure carries SEND_MAIL.
func (s *SMTP) Send(ctx context.Context, subject, htmlBody string) error {
	m, err := s.Message(subject, htmlBody)
	if err != nil {
		return err
	}

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	if s.cfg.SSL {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}

	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return sendError("creating smtp client", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return sendError("delivering message", err)
	}
	return nil
}

func sendError(msg string, cause error) error {
	return schema.NewError(schema.ErrCodeSendMail, "mail: "+msg).WithCause(cause)
}
