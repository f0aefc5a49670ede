package delivery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/00sapo/better-morning/internal/config"
)

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

var _ Deliverer = (*Email)(nil)

// Email sends the digest as a multipart plain text and HTML message.
type Email struct {
	cfg  config.EmailSettings
	log  *slog.Logger
	md   goldmark.Markdown
	dial func(host string, opts ...mail.Option) (mailSender, error)
}

// NewEmail creates an Email deliverer.
func NewEmail(cfg config.EmailSettings, log *slog.Logger) *Email {
	return &Email{
		cfg: cfg,
		log: log,
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		dial: func(host string, opts ...mail.Option) (mailSender, error) {
			return mail.NewClient(host, opts...)
		},
	}
}

// Deliver renders doc to HTML and sends it to the configured recipient.
func (e *Email) Deliver(ctx context.Context, doc Document) (string, error) {
	creds, err := requireEnv(e.cfg.UsernameEnv, e.cfg.PasswordEnv)
	if err != nil {
		return "", err
	}
	user, pass := creds[0], creds[1]

	msg, err := e.message(doc, user)
	if err != nil {
		return "", err
	}

	client, err := e.dial(e.cfg.SMTPServer,
		mail.WithPort(e.cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(user),
		mail.WithPassword(pass),
		mail.WithTLSPortPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}

	e.log.Info("digest emailed", "recipient", e.cfg.Recipient)
	return "mailto:" + e.cfg.Recipient, nil
}

func (e *Email) message(doc Document, user string) (*mail.Msg, error) {
	var html bytes.Buffer
	if err := e.md.Convert([]byte(doc.Markdown), &html); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	sender := e.cfg.Sender
	if sender == "" {
		sender = user
	}

	m := mail.NewMsg()
	if err := m.From(sender); err != nil {
		return nil, fmt.Errorf("set sender: %w", err)
	}
	if err := m.To(e.cfg.Recipient); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	m.Subject(doc.Title)
	m.SetBodyString(mail.TypeTextPlain, doc.Markdown)
	m.AddAlternativeString(mail.TypeTextHTML, html.String())
	return m, nil
}
