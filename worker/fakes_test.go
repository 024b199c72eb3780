package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"coldreach/mailbox"
	"coldreach/models"
	"coldreach/queue"
	"coldreach/testutil"
	"coldreach/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sentMail struct {
	AccountID uint
	Msg       mailbox.OutboundMessage
	MessageID string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, account *models.EmailAccount, msg mailbox.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("out-%d@acme.com", len(f.sent)+1)
	f.sent = append(f.sent, sentMail{AccountID: account.ID, Msg: msg, MessageID: id})
	return id, nil
}

func (f *fakeTransport) Sent() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	last  utils.GenerateRequest
	reply string
	err   error
}

func (f *fakeGenerator) Generate(ctx context.Context, req utils.GenerateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGenerator) Last() utils.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakePublisher) Publish(e Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakePublisher) Types() []models.LogType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LogType
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeSession struct {
	folders map[string][]*mailbox.Message
	sent    string
	seen    map[string][]uint32
	mu      *sync.Mutex
}

func (s *fakeSession) SentFolder() (string, error) { return s.sent, nil }

func (s *fakeSession) Fetch(folder string, criteria mailbox.FetchCriteria) ([]*mailbox.Message, error) {
	msgs := s.folders[folder]
	if criteria.Limit > 0 && len(msgs) > criteria.Limit {
		msgs = msgs[len(msgs)-criteria.Limit:]
	}
	return msgs, nil
}

func (s *fakeSession) MarkSeen(folder string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[folder] = append(s.seen[folder], uids...)
	return nil
}

func (s *fakeSession) Close() error { return nil }

// fakeRetriever serves a fixed mailbox per account id.
type fakeRetriever struct {
	mu       sync.Mutex
	boxes    map[uint]map[string][]*mailbox.Message
	sentName string
	failFor  map[uint]error
	seen     map[uint]map[string][]uint32
}

func newFakeRetriever() *fakeRetriever {
	return &fakeRetriever{
		boxes:    map[uint]map[string][]*mailbox.Message{},
		sentName: "Sent",
		failFor:  map[uint]error{},
		seen:     map[uint]map[string][]uint32{},
	}
}

func (r *fakeRetriever) add(accountID uint, folder string, msgs ...*mailbox.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.boxes[accountID] == nil {
		r.boxes[accountID] = map[string][]*mailbox.Message{}
	}
	r.boxes[accountID][folder] = append(r.boxes[accountID][folder], msgs...)
}

func (r *fakeRetriever) Open(ctx context.Context, account *models.EmailAccount) (mailbox.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFor[account.ID]; err != nil {
		return nil, err
	}
	if r.seen[account.ID] == nil {
		r.seen[account.ID] = map[string][]uint32{}
	}
	return &fakeSession{
		folders: r.boxes[account.ID],
		sent:    r.sentName,
		seen:    r.seen[account.ID],
		mu:      &r.mu,
	}, nil
}

func (r *fakeRetriever) Seen(accountID uint, folder string) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.seen[accountID][folder]...)
}

// fixture is a workspace with one active two-step campaign, one lead and
// one sending account.
type fixture struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	redis    *redis.Client
	queue    *queue.RedisQueue
	cipher   *utils.Cipher
	now      time.Time
	campaign models.Campaign
	lead     models.Lead
	account  models.EmailAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	mr, client := testutil.NewRedis(t)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) // Monday
	q := queue.NewRedisQueue(client, queue.Options{Prefix: "test"}, testutil.Logger())
	q.SetClock(func() time.Time { return now })

	cipher, err := utils.NewCipher(testutil.TestKey)
	require.NoError(t, err)

	f := &fixture{db: db, mr: mr, redis: client, queue: q, cipher: cipher, now: now}

	f.campaign = models.Campaign{
		WorkspaceID: 1,
		Name:        "Q1 outreach",
		Status:      models.CampaignActive,
		Steps: []models.CampaignStep{
			{Order: 1, Subject: "{Hi|Hello} {{firstName}}", Body: `<p>Hi {{firstName}}, see <a href="https://acme.com">this</a></p>`, WaitDays: 0},
			{Order: 2, Subject: "Following up", Body: "<p>Any thoughts, {{firstName}}?</p>", WaitDays: 3},
		},
	}
	require.NoError(t, db.Create(&f.campaign).Error)

	f.lead = models.Lead{
		CampaignID:      f.campaign.ID,
		WorkspaceID:     1,
		Email:           "Ada.Lovelace@gmail.com",
		NormalizedEmail: utils.NormalizeEmail("Ada.Lovelace@gmail.com"),
		Status:          models.LeadPending,
		Variables:       map[string]any{"firstName": "Ada"},
	}
	require.NoError(t, db.Create(&f.lead).Error)

	f.account = models.EmailAccount{
		WorkspaceID:  1,
		FromEmail:    "sales@acme.com",
		SMTPHost:     "smtp.acme.com",
		SMTPPort:     587,
		SMTPUsername: "sales@acme.com",
		IMAPHost:     "imap.acme.com",
		DailyLimit:   10,
	}
	require.NoError(t, db.Create(&f.account).Error)
	return f
}

func stepJob(t *testing.T, p StepJob) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: StepDedupKey(p.CampaignID, p.LeadID, p.StepOrder), Type: JobCampaignStep, Payload: raw, MaxAttempts: 5}
}

func (f *fixture) reloadLead(t *testing.T) models.Lead {
	t.Helper()
	var lead models.Lead
	require.NoError(t, f.db.First(&lead, f.lead.ID).Error)
	return lead
}

func (f *fixture) logs(t *testing.T) []models.EmailLog {
	t.Helper()
	var logs []models.EmailLog
	require.NoError(t, f.db.Order("id ASC").Find(&logs).Error)
	return logs
}
