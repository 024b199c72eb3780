package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"coldreach/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// OutboundMessage is one email to transmit from an account.
type OutboundMessage struct {
	To       string
	Subject  string
	HTMLBody string

	// Threading headers for replies; ids without angle brackets
	InReplyTo  string
	References []string
}

// Transport sends mail from an account and returns the Message-ID it used,
// without angle brackets.
type Transport interface {
	Send(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (string, error)
}

// SMTPTransport delivers through the account's own SMTP server with gomail.
type SMTPTransport struct {
	creds *Credentials
	log   *logrus.Entry
	send  func(d *gomail.Dialer, m *gomail.Message) error
}

func NewSMTPTransport(creds *Credentials, log *logrus.Entry) *SMTPTransport {
	return &SMTPTransport{
		creds: creds,
		log:   log.WithField("component", "smtp"),
		send: func(d *gomail.Dialer, m *gomail.Message) error {
			return d.DialAndSend(m)
		},
	}
}

func (t *SMTPTransport) Send(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dialer, err := t.dialer(ctx, account)
	if err != nil {
		return "", err
	}

	messageID := NewMessageID(account.FromEmail)
	m := BuildMessage(account, msg, messageID)

	if err := t.send(dialer, m); err != nil {
		return "", fmt.Errorf("failed to send via %s:%d: %w", account.SMTPHost, account.SMTPPort, err)
	}

	t.log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"to":         msg.To,
		"message_id": messageID,
	}).Debug("Email sent")
	return messageID, nil
}

func (t *SMTPTransport) dialer(ctx context.Context, account *models.EmailAccount) (*gomail.Dialer, error) {
	var d *gomail.Dialer
	if account.UsesOAuth() {
		token, err := t.creds.AccessToken(ctx, account)
		if err != nil {
			return nil, err
		}
		d = gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, "")
		d.Auth = &smtpXOAuth2{username: account.SMTPUsername, token: token}
	} else {
		password, err := t.creds.SMTPPassword(account)
		if err != nil {
			return nil, err
		}
		d = gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, password)
	}

	d.TLSConfig = &tls.Config{ServerName: account.SMTPHost}
	switch strings.ToUpper(account.Encryption) {
	case "SSL":
		d.SSL = true
	case "TLS", "STARTTLS":
		d.SSL = false
	default:
		d.SSL = account.SMTPPort == 465
	}
	return d, nil
}

// NewMessageID builds a globally unique id on the sender's domain.
func NewMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

// BuildMessage renders msg as a gomail message carrying messageID.
func BuildMessage(account *models.EmailAccount, msg OutboundMessage, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", account.FromEmail, account.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")

	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", "<"+msg.InReplyTo+">")
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, "<"+r+">")
		}
		m.SetHeader("References", strings.Join(refs, " "))
	}

	m.SetBody("text/html", msg.HTMLBody)
	return m
}
