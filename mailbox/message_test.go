package mailbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartReply = "From: Ada Lovelace <Ada@Example.com>\r\n" +
	"To: sales@acme.com\r\n" +
	"Subject: Re: quick question\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <orig-1@acme.com>\r\n" +
	"References: <orig-0@acme.com> <orig-1@acme.com>\r\n" +
	"Date: Mon, 01 Jan 2024 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Sounds good, tell me more.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Sounds good, tell me more.</p>\r\n" +
	"--BOUNDARY--\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage(42, strings.NewReader(multipartReply))
	require.NoError(t, err)

	assert.Equal(t, uint32(42), msg.UID)
	assert.Equal(t, "reply-1@example.com", msg.MessageID)
	assert.Equal(t, "Ada@Example.com", msg.From)
	assert.Equal(t, []string{"sales@acme.com"}, msg.To)
	assert.Equal(t, "Re: quick question", msg.Subject)
	assert.Equal(t, "orig-1@acme.com", msg.InReplyTo)
	assert.Equal(t, []string{"orig-0@acme.com", "orig-1@acme.com"}, msg.References)
	assert.Contains(t, msg.TextBody, "Sounds good")
	assert.Contains(t, msg.HTMLBody, "<p>")
	assert.Equal(t, msg.TextBody, msg.Body())
	assert.False(t, msg.IsBounce())
}

func TestParseBounce(t *testing.T) {
	raw := "From: Mail Delivery Subsystem <mailer-daemon@googlemail.com>\r\n" +
		"To: sales@acme.com\r\n" +
		"Subject: Delivery Status Notification (Failure)\r\n" +
		"X-Failed-Recipients: gone@example.com\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Address not found\r\n"

	msg, err := ParseMessage(1, strings.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, msg.MessageID)
	assert.True(t, msg.IsBounce())
	assert.Equal(t, []string{"gone@example.com"}, msg.FailedRecipients)
}
