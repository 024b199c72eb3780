package mailbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	"coldreach/utils"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is the parsed view of a retrieved email.
type Message struct {
	UID        uint32
	MessageID  string // without angle brackets; empty when the header is missing
	From       string // bare address
	To         []string
	Subject    string
	Date       time.Time
	InReplyTo  string
	References []string
	TextBody   string
	HTMLBody   string

	// FailedRecipients is set on delivery status notifications
	FailedRecipients []string
}

// Body returns the plain text part, falling back to HTML.
func (m *Message) Body() string {
	if strings.TrimSpace(m.TextBody) != "" {
		return m.TextBody
	}
	return m.HTMLBody
}

// IsBounce reports whether the message is a delivery failure notice.
func (m *Message) IsBounce() bool {
	return len(m.FailedRecipients) > 0
}

// ParseMessage reads a full RFC 5322 message.
func ParseMessage(uid uint32, r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	msg := &Message{UID: uid}
	h := mr.Header

	if id, err := h.MessageID(); err == nil {
		msg.MessageID = utils.NormalizeMessageID(id)
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	msg.References, _ = h.MsgIDList("References")

	if failed := h.Get("X-Failed-Recipients"); failed != "" {
		for _, addr := range strings.Split(failed, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				msg.FailedRecipients = append(msg.FailedRecipients, addr)
			}
		}
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		if ih, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := ih.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}

			switch {
			case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(b)
			case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(b)
			}
		}
	}

	return msg, nil
}
