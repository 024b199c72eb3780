package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"coldreach/utils"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Per job type the queue keeps:
//
//	<prefix>:<type>:jobs     hash  id -> job json (pending and active)
//	<prefix>:<type>:delayed  zset  id scored by due time (unix ms)
//	<prefix>:<type>:active   zset  id scored by lease expiry (unix ms)
//	<prefix>:<type>:dead     hash  id -> job json
var (
	enqueueScript = redis.NewScript(`
		if redis.call("hexists", KEYS[1], ARGV[1]) == 1 then
			return 0
		end
		redis.call("hset", KEYS[1], ARGV[1], ARGV[2])
		redis.call("zadd", KEYS[2], ARGV[3], ARGV[1])
		return 1
	`)

	claimScript = redis.NewScript(`
		local ids = redis.call("zrangebyscore", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 1)
		if #ids == 0 then
			return false
		end
		local id = ids[1]
		redis.call("zrem", KEYS[2], id)
		local body = redis.call("hget", KEYS[1], id)
		if not body then
			return false
		end
		redis.call("zadd", KEYS[3], ARGV[2], id)
		return body
	`)

	recoverScript = redis.NewScript(`
		local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
		for _, id in ipairs(ids) do
			redis.call("zrem", KEYS[1], id)
			redis.call("zadd", KEYS[2], ARGV[1], id)
		end
		return #ids
	`)
)

type Options struct {
	Prefix          string
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	LeaseTimeout    time.Duration
	PollInterval    time.Duration
	RecoverInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "coldreach:queue"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RecoverInterval <= 0 {
		o.RecoverInterval = 30 * time.Second
	}
}

// RedisQueue implements Enqueuer and runs handlers for due jobs.
type RedisQueue struct {
	client redis.UniversalClient
	opts   Options
	log    *logrus.Entry
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, opts Options, log *logrus.Entry) *RedisQueue {
	opts.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		log:    log.WithField("component", "queue"),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

type keys struct {
	jobs, delayed, active, dead string
}

func (q *RedisQueue) keys(jobType string) keys {
	base := q.opts.Prefix + ":" + jobType
	return keys{
		jobs:    base + ":jobs",
		delayed: base + ":delayed",
		active:  base + ":active",
		dead:    base + ":dead",
	}
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts EnqueueOptions) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	id := opts.DedupKey
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	now := q.now()
	job := Job{
		ID:          id,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	k := q.keys(jobType)
	added, err := enqueueScript.Run(ctx, q.client, []string{k.jobs, k.delayed}, id, body, ms(now.Add(opts.Delay))).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	if added == 0 {
		q.log.WithFields(logrus.Fields{"job_type": jobType, "job_id": id}).Debug("Duplicate job ignored")
		return false, nil
	}
	q.log.WithFields(logrus.Fields{
		"job_type": jobType,
		"job_id":   id,
		"delay":    opts.Delay.String(),
	}).Debug("Job enqueued")
	return true, nil
}

// claim moves the next due job into the active set under a lease.
func (q *RedisQueue) claim(ctx context.Context, jobType string) (*Job, error) {
	k := q.keys(jobType)
	now := q.now()
	body, err := claimScript.Run(ctx, q.client, []string{k.jobs, k.delayed, k.active}, ms(now), ms(now.Add(q.opts.LeaseTimeout))).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s job: %w", jobType, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("corrupt %s job: %w", jobType, err)
	}
	return &job, nil
}

// Recover returns jobs whose lease expired (crashed worker) to the delayed set.
func (q *RedisQueue) Recover(ctx context.Context, jobType string) (int, error) {
	k := q.keys(jobType)
	n, err := recoverScript.Run(ctx, q.client, []string{k.active, k.delayed}, ms(q.now())).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover %s jobs: %w", jobType, err)
	}
	if n > 0 {
		q.log.WithFields(logrus.Fields{"job_type": jobType, "count": n}).Warn("Recovered jobs with expired leases")
	}
	return n, nil
}

// ProcessOne runs the next due job, if any. It reports whether a job ran.
func (q *RedisQueue) ProcessOne(ctx context.Context, jobType string, handler Handler) (bool, error) {
	job, err := q.claim(ctx, jobType)
	if err != nil || job == nil {
		return false, err
	}

	herr := q.run(ctx, job, handler)
	return true, q.settle(ctx, job, herr)
}

func (q *RedisQueue) run(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return handler(ctx, job)
}

func (q *RedisQueue) settle(ctx context.Context, job *Job, herr error) error {
	k := q.keys(job.Type)
	log := q.log.WithFields(logrus.Fields{
		"job_type": job.Type,
		"job_id":   job.ID,
		"attempts": job.Attempts,
	})

	if herr == nil {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, k.jobs, job.ID)
			pipe.ZRem(ctx, k.active, job.ID)
			return nil
		})
		return err
	}

	var resched *RescheduleError
	if errors.As(herr, &resched) {
		log.WithFields(logrus.Fields{"delay": resched.Delay.String(), "reason": resched.Reason}).Info("Job rescheduled")
		return q.requeue(ctx, job, q.now().Add(resched.Delay))
	}

	var perm *PermanentError
	if errors.As(herr, &perm) {
		job.LastError = herr.Error()
		log.WithError(herr).Warn("Job failed permanently")
		return q.bury(ctx, job)
	}

	job.Attempts++
	job.LastError = herr.Error()
	if job.Attempts >= job.MaxAttempts {
		utils.LogError(log, "job_exhausted", herr, map[string]interface{}{
			"job_type": job.Type,
			"job_id":   job.ID,
			"attempts": job.Attempts,
		})
		return q.bury(ctx, job)
	}

	delay := Backoff(job.Attempts, q.opts.BaseBackoff, q.opts.MaxBackoff)
	log.WithError(herr).WithField("retry_in", delay.String()).Warn("Job failed, retrying")
	return q.requeue(ctx, job, q.now().Add(delay))
}

func (q *RedisQueue) requeue(ctx context.Context, job *Job, runAt time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	k := q.keys(job.Type)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.jobs, job.ID, body)
		pipe.ZRem(ctx, k.active, job.ID)
		pipe.ZAdd(ctx, k.delayed, &redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) bury(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	k := q.keys(job.Type)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, k.jobs, job.ID)
		pipe.ZRem(ctx, k.active, job.ID)
		pipe.HSet(ctx, k.dead, job.ID, body)
		return nil
	})
	return err
}

// Consume runs handler for jobType on concurrency goroutines until ctx is
// cancelled. It blocks until every in-flight job has settled.
func (q *RedisQueue) Consume(ctx context.Context, jobType string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log := q.log.WithField("job_type", jobType)
	log.WithField("concurrency", concurrency).Info("Consumer started")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.opts.RecoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Recover(ctx, jobType); err != nil && ctx.Err() == nil {
					log.WithError(err).Error("Lease recovery failed")
				}
			}
		}
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				ran, err := q.ProcessOne(ctx, jobType, handler)
				if err != nil && ctx.Err() == nil {
					log.WithError(err).WithField("worker", worker).Error("Queue operation failed")
				}
				if ran && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.opts.PollInterval):
				}
			}
		}(i)
	}

	wg.Wait()
	log.Info("Consumer stopped")
}

type Stats struct {
	Pending int64
	Active  int64
	Dead    int64
}

func (q *RedisQueue) Stats(ctx context.Context, jobType string) (Stats, error) {
	k := q.keys(jobType)
	var pending, active, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, k.delayed)
		active = pipe.ZCard(ctx, k.active)
		dead = pipe.HLen(ctx, k.dead)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: pending.Val(), Active: active.Val(), Dead: dead.Val()}, nil
}

// Pending lists delayed jobs in due order.
func (q *RedisQueue) Pending(ctx context.Context, jobType string) ([]Job, error) {
	k := q.keys(jobType)
	entries, err := q.client.ZRangeWithScores(ctx, k.delayed, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		body, err := q.client.HGet(ctx, k.jobs, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, err
		}
		job.RunAt = time.UnixMilli(int64(z.Score))
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Dead returns a dead-lettered job by id.
func (q *RedisQueue) Dead(ctx context.Context, jobType, id string) (*Job, error) {
	body, err := q.client.HGet(ctx, q.keys(jobType).dead, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, err
	}
	return &job, nil
}
