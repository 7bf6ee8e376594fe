package mail

import (
	"fmt"

	gomail "gopkg.in/gomail.v2"

	"github.com/minWang916/kms-api/pkg/config"
)

// Message is an outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
	HTML    bool
}

// Sender delivers a single message.
type Sender interface {
	Send(msg Message) error
}

// SMTPSender delivers messages through an SMTP relay using gomail.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender builds a sender from mail configuration.
func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send delivers the message synchronously.
func (s *SMTPSender) Send(msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.HTML {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

// VerificationMessage builds the registration verification email. The link
// embeds the single-use code and points back at the public verify endpoint.
func VerificationMessage(to, origin, code string) Message {
	link := fmt.Sprintf("%s/auth/verify?code=%s", origin, code)
	return Message{
		To:      to,
		Subject: "Registration Successful",
		Body:    fmt.Sprintf("Please verify your account by clicking the following link: <a href=%q>%s</a>", link, link),
		HTML:    true,
	}
}
