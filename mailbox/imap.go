package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
	"time"

	"coldreach/models"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const InboxFolder = "INBOX"

// Fallback names tried when the server does not advertise \Sent.
var sentFolderNames = []string{
	"[Gmail]/Sent Mail",
	"[Google Mail]/Sent Mail",
	"Sent Items",
	"Sent Messages",
	"Sent",
	"INBOX.Sent",
}

type FetchCriteria struct {
	Since      time.Time
	UnseenOnly bool
	// Limit keeps only the most recent matches
	Limit int
}

// Session is an authenticated mailbox connection.
type Session interface {
	// SentFolder returns the name of the sent-mail folder, or "" if none.
	SentFolder() (string, error)
	Fetch(folder string, criteria FetchCriteria) ([]*Message, error)
	MarkSeen(folder string, uids []uint32) error
	Close() error
}

// Retriever opens mailbox sessions for accounts.
type Retriever interface {
	Open(ctx context.Context, account *models.EmailAccount) (Session, error)
}

// IMAPRetriever connects with go-imap using LOGIN or XOAUTH2.
type IMAPRetriever struct {
	creds   *Credentials
	log     *logrus.Entry
	timeout time.Duration
}

func NewIMAPRetriever(creds *Credentials, log *logrus.Entry) *IMAPRetriever {
	return &IMAPRetriever{
		creds:   creds,
		log:     log.WithField("component", "imap"),
		timeout: 30 * time.Second,
	}
}

func (r *IMAPRetriever) Open(ctx context.Context, account *models.EmailAccount) (Session, error) {
	port := account.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, port)
	tlsConfig := &tls.Config{ServerName: account.IMAPHost}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(account.IMAPEncryption) {
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	case "NONE":
		c, err = client.Dial(addr)
	default:
		c, err = client.DialTLS(addr, tlsConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}
	c.Timeout = r.timeout

	username := account.IMAPUsername
	if username == "" {
		username = account.SMTPUsername
	}

	if account.UsesOAuth() {
		token, err := r.creds.AccessToken(ctx, account)
		if err != nil {
			c.Logout()
			return nil, err
		}
		if err := c.Authenticate(&saslXOAuth2{username: username, token: token}); err != nil {
			c.Logout()
			return nil, fmt.Errorf("IMAP XOAUTH2 authentication failed: %w", err)
		}
	} else {
		password, err := r.creds.IMAPPassword(account)
		if err != nil {
			c.Logout()
			return nil, err
		}
		if err := c.Login(username, password); err != nil {
			c.Logout()
			return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
		}
	}

	return &imapSession{client: c, log: r.log.WithField("account_id", account.ID)}, nil
}

type imapSession struct {
	client *client.Client
	log    *logrus.Entry
}

func (s *imapSession) SentFolder() (string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var names []string
	special := ""
	for m := range mailboxes {
		names = append(names, m.Name)
		for _, attr := range m.Attributes {
			if attr == imap.SentAttr && special == "" {
				special = m.Name
			}
		}
	}
	if err := <-done; err != nil {
		return "", fmt.Errorf("failed to list mailboxes: %w", err)
	}
	if special != "" {
		return special, nil
	}

	for _, candidate := range sentFolderNames {
		for _, name := range names {
			if strings.EqualFold(name, candidate) {
				return name, nil
			}
		}
	}
	return "", nil
}

func (s *imapSession) Fetch(folder string, criteria FetchCriteria) ([]*Message, error) {
	if _, err := s.client.Select(folder, false); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}

	search := imap.NewSearchCriteria()
	if !criteria.Since.IsZero() {
		search.Since = criteria.Since
	}
	if criteria.UnseenOnly {
		search.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, err := s.client.UidSearch(search)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", folder, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// UIDs grow with arrival, so the highest are the most recent
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if criteria.Limit > 0 && len(uids) > criteria.Limit {
		uids = uids[len(uids)-criteria.Limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqset, items, messages)
	}()

	var out []*Message
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			s.log.WithField("uid", msg.Uid).Warn("Message body missing from fetch response")
			continue
		}
		parsed, err := ParseMessage(msg.Uid, literal)
		if err != nil {
			s.log.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse message")
			// still mark it examined
			out = append(out, &Message{UID: msg.Uid})
			continue
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	return out, nil
}

func (s *imapSession) MarkSeen(folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := s.client.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select %s: %w", folder, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag messages seen: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	return s.client.Logout()
}
