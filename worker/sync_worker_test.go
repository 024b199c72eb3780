package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coldreach/mailbox"
	"coldreach/models"
	"coldreach/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls []InboundReply
}

func (r *recordingTrigger) Trigger(ctx context.Context, in InboundReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	return nil
}

func (r *recordingTrigger) Calls() []InboundReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]InboundReply(nil), r.calls...)
}

func newSyncWorker(f *fixture, retriever *fakeRetriever, trigger ReplyTrigger, events Publisher) *SyncWorker {
	w := NewSyncWorker(f.db, retriever, trigger, events, SyncConfig{}, testutil.Logger())
	w.now = func() time.Time { return f.now }
	return w
}

func TestSyncWorker_RecordsLeadReplyOnce(t *testing.T) {
	f := newFixture(t)
	retriever := newFakeRetriever()
	trigger := &recordingTrigger{}
	events := &fakePublisher{}
	w := newSyncWorker(f, retriever, trigger, events)

	// plus-addressed and dotted variants of the lead's gmail address
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{
		UID:       7,
		MessageID: "reply-1@gmail.com",
		From:      "ada.lovelace+work@googlemail.com",
		Subject:   "Re: Hi Ada",
		TextBody:  "Sounds interesting, tell me more.",
	})

	require.NoError(t, w.SyncAll(context.Background()))

	lead := f.reloadLead(t)
	assert.Equal(t, models.LeadReplied, lead.Status)
	assert.NotNil(t, lead.LastReadAt)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogReplied, logs[0].Type)
	assert.Equal(t, "reply-1@gmail.com", *logs[0].MessageID)
	assert.Equal(t, f.lead.ID, *logs[0].LeadID)
	assert.Equal(t, "Sounds interesting, tell me more.", logs[0].Snippet)

	calls := trigger.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, f.lead.ID, calls[0].Lead.ID)
	assert.Equal(t, "reply-1@gmail.com", calls[0].InboundID)
	assert.Equal(t, logs[0].ID, calls[0].InboundLogID)

	assert.Equal(t, []uint32{7}, retriever.Seen(f.account.ID, mailbox.InboxFolder))
	assert.Equal(t, []models.LogType{models.LogReplied}, events.Types())

	// the same message seen again on the next pass changes nothing
	require.NoError(t, w.SyncAll(context.Background()))
	assert.Len(t, f.logs(t), 1)
	assert.Len(t, trigger.Calls(), 1)

	var account models.EmailAccount
	require.NoError(t, f.db.First(&account, f.account.ID).Error)
	assert.NotNil(t, account.LastSyncedAt)
	assert.Nil(t, account.LastSyncError)
}

func TestSyncWorker_ProspectReply(t *testing.T) {
	f := newFixture(t)
	prospect := models.Prospect{WorkspaceID: 1, Email: "grace@navy.mil", NormalizedEmail: "grace@navy.mil", Status: models.LeadPending}
	require.NoError(t, f.db.Create(&prospect).Error)

	retriever := newFakeRetriever()
	trigger := &recordingTrigger{}
	w := newSyncWorker(f, retriever, trigger, nil)
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{
		UID:       1,
		MessageID: "p-1@navy.mil",
		From:      "Grace@Navy.mil",
		Subject:   "Hello",
		TextBody:  "Hi!",
	})

	require.NoError(t, w.SyncAll(context.Background()))

	var got models.Prospect
	require.NoError(t, f.db.First(&got, prospect.ID).Error)
	assert.Equal(t, models.LeadReplied, got.Status)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, prospect.ID, *logs[0].ProspectID)
	assert.Nil(t, logs[0].LeadID)
	assert.Empty(t, trigger.Calls(), "prospects never get auto-replies")
}

func TestSyncWorker_LeadWinsOverProspect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&models.Prospect{WorkspaceID: 1, Email: "adalovelace@gmail.com", NormalizedEmail: "adalovelace@gmail.com"}).Error)

	retriever := newFakeRetriever()
	w := newSyncWorker(f, retriever, nil, nil)
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{UID: 1, MessageID: "r@gmail.com", From: "adalovelace@gmail.com"})

	require.NoError(t, w.SyncAll(context.Background()))

	logs := f.logs(t)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].LeadID)
	assert.Nil(t, logs[0].ProspectID)
}

func TestSyncWorker_UnknownSenderIsIgnored(t *testing.T) {
	f := newFixture(t)
	retriever := newFakeRetriever()
	w := newSyncWorker(f, retriever, nil, nil)
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{UID: 3, MessageID: "news@shop.com", From: "news@shop.com"})

	require.NoError(t, w.SyncAll(context.Background()))

	assert.Empty(t, f.logs(t))
	assert.Equal(t, []uint32{3}, retriever.Seen(f.account.ID, mailbox.InboxFolder))
}

func TestSyncWorker_MessagesWithoutIDUseSyntheticIdentity(t *testing.T) {
	f := newFixture(t)
	retriever := newFakeRetriever()
	w := newSyncWorker(f, retriever, nil, nil)
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{UID: 42, From: "adalovelace@gmail.com"})

	require.NoError(t, w.SyncAll(context.Background()))
	require.NoError(t, w.SyncAll(context.Background()))

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, messageIdentity(&f.account, &mailbox.Message{UID: 42}), *logs[0].MessageID)
}

func TestSyncWorker_BounceMarksLead(t *testing.T) {
	f := newFixture(t)
	retriever := newFakeRetriever()
	trigger := &recordingTrigger{}
	w := newSyncWorker(f, retriever, trigger, nil)
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{
		UID:              9,
		MessageID:        "dsn-1@mx.google.com",
		From:             "mailer-daemon@googlemail.com",
		Subject:          "Delivery Status Notification (Failure)",
		FailedRecipients: []string{"Ada.Lovelace@gmail.com"},
	})

	require.NoError(t, w.SyncAll(context.Background()))

	assert.Equal(t, models.LeadBounced, f.reloadLead(t).Status)
	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogBounced, logs[0].Type)
	assert.Empty(t, trigger.Calls())
}

func TestSyncWorker_MirrorsSentFolder(t *testing.T) {
	f := newFixture(t)
	known := "out-1@acme.com"
	require.NoError(t, f.db.Create(&models.EmailLog{
		LeadID:    &f.lead.ID,
		Type:      models.LogSent,
		MessageID: &known,
	}).Error)

	retriever := newFakeRetriever()
	w := newSyncWorker(f, retriever, nil, nil)
	sentAt := f.now.Add(-time.Hour)
	retriever.add(f.account.ID, "Sent",
		&mailbox.Message{UID: 1, MessageID: known, To: []string{"adalovelace@gmail.com"}},
		&mailbox.Message{UID: 2, MessageID: "manual-1@acme.com", To: []string{"someone@else.com", "ada.lovelace@gmail.com"}, Subject: "Quick note", Date: sentAt},
	)

	require.NoError(t, w.SyncAll(context.Background()))

	logs := f.logs(t)
	require.Len(t, logs, 2)
	mirrored := logs[1]
	assert.Equal(t, models.LogSent, mirrored.Type)
	assert.Equal(t, "manual-1@acme.com", *mirrored.MessageID)
	assert.Equal(t, f.lead.ID, *mirrored.LeadID)
	require.NotNil(t, mirrored.DeliveredAt)
	assert.True(t, mirrored.DeliveredAt.Equal(sentAt))

	// mirroring never changes lead state
	assert.Equal(t, models.LeadPending, f.reloadLead(t).Status)
}

func TestSyncWorker_AccountFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	broken := models.EmailAccount{
		WorkspaceID:  1,
		FromEmail:    "broken@acme.com",
		SMTPHost:     "smtp.acme.com",
		SMTPPort:     587,
		SMTPUsername: "broken@acme.com",
		IMAPHost:     "imap.acme.com",
	}
	require.NoError(t, f.db.Create(&broken).Error)

	retriever := newFakeRetriever()
	retriever.failFor[broken.ID] = errors.New("authentication failed")
	retriever.add(f.account.ID, mailbox.InboxFolder, &mailbox.Message{UID: 1, MessageID: "r-1@gmail.com", From: "adalovelace@gmail.com"})
	w := newSyncWorker(f, retriever, nil, nil)

	require.NoError(t, w.SyncAll(context.Background()))

	assert.Equal(t, models.LeadReplied, f.reloadLead(t).Status)

	var got models.EmailAccount
	require.NoError(t, f.db.First(&got, broken.ID).Error)
	require.NotNil(t, got.LastSyncError)
	assert.Contains(t, *got.LastSyncError, "authentication failed")
}

func TestSyncWorker_SkipsAccountsWithoutMailbox(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&f.account).Update("imap_host", "").Error)

	retriever := newFakeRetriever()
	retriever.failFor[f.account.ID] = errors.New("should not be opened")
	w := newSyncWorker(f, retriever, nil, nil)

	require.NoError(t, w.SyncAll(context.Background()))

	var got models.EmailAccount
	require.NoError(t, f.db.First(&got, f.account.ID).Error)
	assert.Nil(t, got.LastSyncedAt)
}

func TestSyncWorker_RejectsOverlappingPass(t *testing.T) {
	f := newFixture(t)
	w := newSyncWorker(f, newFakeRetriever(), nil, nil)
	w.running = 1

	assert.ErrorIs(t, w.SyncAll(context.Background()), ErrSyncInProgress)
}

func TestSyncWorker_SyncWorkspaceOnlyTouchesItsAccounts(t *testing.T) {
	f := newFixture(t)
	other := models.EmailAccount{
		WorkspaceID: 2,
		FromEmail:   "hello@globex.com",
		SMTPHost:    "smtp.globex.com",
		SMTPPort:    587,
		IMAPHost:    "imap.globex.com",
		DailyLimit:  10,
	}
	require.NoError(t, f.db.Create(&other).Error)

	retriever := newFakeRetriever()
	retriever.failFor[other.ID] = errors.New("should not be opened")
	w := newSyncWorker(f, retriever, nil, nil)

	require.NoError(t, w.SyncWorkspace(context.Background(), 1))

	var mine, theirs models.EmailAccount
	require.NoError(t, f.db.First(&mine, f.account.ID).Error)
	require.NoError(t, f.db.First(&theirs, other.ID).Error)
	assert.NotNil(t, mine.LastSyncedAt)
	assert.Nil(t, mine.LastSyncError)
	assert.Nil(t, theirs.LastSyncedAt)

	w.running = 1
	assert.ErrorIs(t, w.SyncWorkspace(context.Background(), 1), ErrSyncInProgress)
}
