package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// MailChannel sends notifications over SMTP via go-mail.
type MailChannel struct {
	client *mail.Client
	from   string
	to     []string
}

func NewMailChannel(host string, port int, username, password, from string, to []string) (*MailChannel, error) {
	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: new mail client: %w", err)
	}
	return &MailChannel{client: client, from: from, to: to}, nil
}

func (m *MailChannel) Name() string { return "mail" }

func (m *MailChannel) Send(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("notify/mail: from: %w", err)
	}
	if err := msg.To(m.to...); err != nil {
		return fmt.Errorf("notify/mail: to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("notify/mail: send: %w", err)
	}
	return nil
}

var _ Channel = (*MailChannel)(nil)
