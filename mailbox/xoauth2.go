package mailbox

import (
	"fmt"
	"net/smtp"

	"github.com/emersion/go-sasl"
)

const xoauth2Mechanism = "XOAUTH2"

func xoauth2Response(username, token string) []byte {
	return []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", username, token))
}

// smtpXOAuth2 is an smtp.Auth for bearer-token login (Gmail, Outlook).
type smtpXOAuth2 struct {
	username, token string
}

func (a *smtpXOAuth2) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return xoauth2Mechanism, xoauth2Response(a.username, a.token), nil
}

// Next answers an error challenge with an empty response so the server
// reports its final status.
func (a *smtpXOAuth2) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

// saslXOAuth2 is the IMAP counterpart of smtpXOAuth2.
type saslXOAuth2 struct {
	username, token string
}

var _ sasl.Client = (*saslXOAuth2)(nil)

func (c *saslXOAuth2) Start() (string, []byte, error) {
	return xoauth2Mechanism, xoauth2Response(c.username, c.token), nil
}

func (c *saslXOAuth2) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
