package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepPayload struct {
	LeadID uint `json:"leadId"`
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupQueue(t *testing.T) (*RedisQueue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	q := NewRedisQueue(client, Options{Prefix: "test", PollInterval: 5 * time.Millisecond}, logrus.NewEntry(log))
	q.SetClock(clock.Now)
	return q, clock
}

func TestEnqueueDedup(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{DedupKey: "step:1:1:2"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{DedupKey: "step:1:1:2"})
	require.NoError(t, err)
	assert.False(t, added)

	stats, err := q.Stats(ctx, "campaign.step")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	// without a key every enqueue is distinct
	_, err = q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{})
	require.NoError(t, err)
	stats, _ = q.Stats(ctx, "campaign.step")
	assert.Equal(t, int64(3), stats.Pending)
}

func TestDedupReleasedAfterCompletion(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{DedupKey: "k"})
	require.NoError(t, err)

	ran, err := q.ProcessOne(ctx, "campaign.step", func(ctx context.Context, job *Job) error {
		// still deduplicated while executing
		added, err := q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{DedupKey: "k"})
		assert.NoError(t, err)
		assert.False(t, added)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	added, err := q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 1}, EnqueueOptions{DedupKey: "k"})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestDelayedJobNotDueYet(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "campaign.step", stepPayload{LeadID: 7}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	handler := func(ctx context.Context, job *Job) error {
		var p stepPayload
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, uint(7), p.LeadID)
		return nil
	}

	ran, err := q.ProcessOne(ctx, "campaign.step", handler)
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(time.Hour)
	ran, err = q.ProcessOne(ctx, "campaign.step", handler)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSettleOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("reschedule keeps attempts", func(t *testing.T) {
		q, clock := setupQueue(t)
		_, err := q.Enqueue(ctx, "j", stepPayload{}, EnqueueOptions{DedupKey: "a"})
		require.NoError(t, err)

		_, err = q.ProcessOne(ctx, "j", func(ctx context.Context, job *Job) error {
			return Reschedule(time.Hour, "window closed")
		})
		require.NoError(t, err)

		pending, err := q.Pending(ctx, "j")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 0, pending[0].Attempts)
		assert.Equal(t, clock.Now().Add(time.Hour).UnixMilli(), pending[0].RunAt.UnixMilli())
	})

	t.Run("transient errors back off then dead letter", func(t *testing.T) {
		q, clock := setupQueue(t)
		_, err := q.Enqueue(ctx, "j", stepPayload{}, EnqueueOptions{DedupKey: "b", MaxAttempts: 3})
		require.NoError(t, err)

		failing := func(ctx context.Context, job *Job) error { return errors.New("smtp down") }

		_, err = q.ProcessOne(ctx, "j", failing)
		require.NoError(t, err)
		pending, _ := q.Pending(ctx, "j")
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Equal(t, "smtp down", pending[0].LastError)
		assert.Equal(t, clock.Now().Add(30*time.Second).UnixMilli(), pending[0].RunAt.UnixMilli())

		clock.Advance(30 * time.Second)
		_, err = q.ProcessOne(ctx, "j", failing)
		require.NoError(t, err)
		pending, _ = q.Pending(ctx, "j")
		require.Len(t, pending, 1)
		assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), pending[0].RunAt.UnixMilli())

		clock.Advance(time.Minute)
		_, err = q.ProcessOne(ctx, "j", failing)
		require.NoError(t, err)

		stats, _ := q.Stats(ctx, "j")
		assert.Equal(t, Stats{Pending: 0, Active: 0, Dead: 1}, stats)

		dead, err := q.Dead(ctx, "j", "b")
		require.NoError(t, err)
		require.NotNil(t, dead)
		assert.Equal(t, 3, dead.Attempts)
	})

	t.Run("permanent errors dead letter immediately", func(t *testing.T) {
		q, _ := setupQueue(t)
		_, err := q.Enqueue(ctx, "j", stepPayload{}, EnqueueOptions{DedupKey: "c"})
		require.NoError(t, err)

		_, err = q.ProcessOne(ctx, "j", func(ctx context.Context, job *Job) error {
			return Permanent(errors.New("lead not found"))
		})
		require.NoError(t, err)

		stats, _ := q.Stats(ctx, "j")
		assert.Equal(t, int64(1), stats.Dead)
		assert.Equal(t, int64(0), stats.Pending)
	})

	t.Run("panics count as failures", func(t *testing.T) {
		q, _ := setupQueue(t)
		_, err := q.Enqueue(ctx, "j", stepPayload{}, EnqueueOptions{DedupKey: "d"})
		require.NoError(t, err)

		_, err = q.ProcessOne(ctx, "j", func(ctx context.Context, job *Job) error {
			panic("boom")
		})
		require.NoError(t, err)

		pending, _ := q.Pending(ctx, "j")
		require.Len(t, pending, 1)
		assert.Contains(t, pending[0].LastError, "boom")
	})
}

func TestRecoverExpiredLeases(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "j", stepPayload{}, EnqueueOptions{DedupKey: "e"})
	require.NoError(t, err)

	job, err := q.claim(ctx, "j")
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := q.Recover(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(11 * time.Minute)
	n, err = q.Recover(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, _ := q.Stats(ctx, "j")
	assert.Equal(t, Stats{Pending: 1}, stats)
}

func TestConsume(t *testing.T) {
	q, _ := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, "j", stepPayload{LeadID: uint(i)}, EnqueueOptions{})
		require.NoError(t, err)
	}

	var handled int32
	done := make(chan struct{})
	go func() {
		q.Consume(ctx, "j", 3, func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&handled, 1)
			return nil
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 10 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestBackoff(t *testing.T) {
	base, max := 30*time.Second, time.Hour
	assert.Equal(t, 30*time.Second, Backoff(1, base, max))
	assert.Equal(t, time.Minute, Backoff(2, base, max))
	assert.Equal(t, 2*time.Minute, Backoff(3, base, max))
	assert.Equal(t, time.Hour, Backoff(20, base, max))
}

func TestCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	c := NewCooldown(client, "cooldown", 5*time.Minute)

	ok, err := c.Claim(ctx, "lead:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "lead:1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(5 * time.Minute)
	ok, err = c.Claim(ctx, "lead:1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Release(ctx, "lead:1"))
	ok, err = c.Claim(ctx, "lead:1")
	require.NoError(t, err)
	assert.True(t, ok)
}
