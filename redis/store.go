package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olivere/taskqueue"
)

const defaultKeyPrefix = "taskqueue"

// Store represents a Redis-based storage backend.
// It implements the taskqueue.Store interface.
//
// Job records are serialized into a hash keyed by job ID. Each priority
// has its own sorted set of pending job IDs, scored by the scheduled
// time, so a range query up to "now" yields exactly the eligible jobs
// in FIFO-ish order. A worker claims a job by removing its ID from the
// sorted set; the removal count tells competing workers apart.
type Store struct {
	client    *redis.Client
	keyPrefix string
	nowFn     func() time.Time
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetKeyPrefix overrides the default prefix for all Redis keys.
func SetKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// NewStore creates a new Redis-based storage backend.
func NewStore(client *redis.Client, options ...StoreOption) *Store {
	st := &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		nowFn:     time.Now,
	}
	for _, opt := range options {
		opt(st)
	}
	return st
}

func (s *Store) jobsKey() string        { return s.keyPrefix + ":jobs" }
func (s *Store) inflightKey() string    { return s.keyPrefix + ":inflight" }
func (s *Store) deadLettersKey() string { return s.keyPrefix + ":deadletter" }
func (s *Store) completedKey() string   { return s.keyPrefix + ":completed" }

func (s *Store) pendingKey(prio taskqueue.Priority) string {
	return fmt.Sprintf("%s:pending:%d", s.keyPrefix, int(prio))
}

func (s *Store) getJob(ctx context.Context, id string) (*taskqueue.Job, error) {
	data, err := s.client.HGet(ctx, s.jobsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, taskqueue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job taskqueue.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) putJob(ctx context.Context, job *taskqueue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.jobsKey(), job.ID, data).Err()
}

// Start moves jobs left InFlight by a crashed worker of a previous run
// back to Pending so they become dequeuable again.
func (s *Store) Start(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.inflightKey()).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := s.getJob(ctx, id)
		if err != nil {
			if errors.Is(err, taskqueue.ErrNotFound) {
				s.client.SRem(ctx, s.inflightKey(), id)
				continue
			}
			return err
		}
		job.State = taskqueue.Pending
		if err := s.putJob(ctx, job); err != nil {
			return err
		}
		err = s.client.ZAdd(ctx, s.pendingKey(job.Priority), redis.Z{
			Score:  float64(job.Scheduled),
			Member: job.ID,
		}).Err()
		if err != nil {
			return err
		}
		if err := s.client.SRem(ctx, s.inflightKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// enqueueScript writes the job record and its pending-set entry in a
// single atomic step. A duplicate ID leaves the store untouched. Doing
// both writes server-side means a producer retrying a failed Enqueue
// can never observe the record without the pending-set entry.
var enqueueScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// Enqueue adds a new job. Inserting a job whose ID already exists is a
// no-op success, which makes scheduler ticks idempotent.
func (s *Store) Enqueue(ctx context.Context, job *taskqueue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return enqueueScript.Run(ctx, s.client,
		[]string{s.jobsKey(), s.pendingKey(job.Priority)},
		job.ID, data, job.Scheduled,
	).Err()
}

// Dequeue claims the next eligible job: highest priority first. The
// ZRem removal count decides which of several competing workers owns
// the job.
func (s *Store) Dequeue(ctx context.Context) (*taskqueue.Job, error) {
	now := s.nowFn()
	max := strconv.FormatInt(now.UnixNano(), 10)
	for _, prio := range taskqueue.Priorities {
		key := s.pendingKey(prio)
		for {
			ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   max,
				Count: 1,
			}).Result()
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				break
			}
			removed, err := s.client.ZRem(ctx, key, ids[0]).Result()
			if err != nil {
				return nil, err
			}
			if removed == 0 {
				// Another worker claimed it first.
				continue
			}
			job, err := s.getJob(ctx, ids[0])
			if err != nil {
				return nil, err
			}
			job.State = taskqueue.InFlight
			job.Started = now.UnixNano()
			if err := s.putJob(ctx, job); err != nil {
				return nil, err
			}
			if err := s.client.SAdd(ctx, s.inflightKey(), job.ID).Err(); err != nil {
				return nil, err
			}
			return job, nil
		}
	}
	return nil, taskqueue.ErrNotFound
}

// Ack marks the job as Completed. The record is retained for Lookup.
func (s *Store) Ack(ctx context.Context, id string) error {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	job.State = taskqueue.Completed
	job.Completed = s.nowFn().UnixNano()
	if err := s.putJob(ctx, job); err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.inflightKey(), id).Err(); err != nil {
		return err
	}
	return s.client.Incr(ctx, s.completedKey()).Err()
}

// Requeue puts a failed job back into its priority partition.
func (s *Store) Requeue(ctx context.Context, job *taskqueue.Job) error {
	job.State = taskqueue.Pending
	if err := s.putJob(ctx, job); err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.inflightKey(), job.ID).Err(); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.pendingKey(job.Priority), redis.Z{
		Score:  float64(job.Scheduled),
		Member: job.ID,
	}).Err()
}

// DeadLetter moves the job to the dead-letter partition. Terminal.
func (s *Store) DeadLetter(ctx context.Context, job *taskqueue.Job, reason string) error {
	job.State = taskqueue.DeadLetter
	job.LastError = reason
	job.Completed = s.nowFn().UnixNano()
	if err := s.putJob(ctx, job); err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.inflightKey(), job.ID).Err(); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.deadLettersKey(), redis.Z{
		Score:  float64(job.Completed),
		Member: job.ID,
	}).Err()
}

// RequeueDeadLetter moves a dead-lettered job back into its priority
// partition with a fresh retry budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string) error {
	removed, err := s.client.ZRem(ctx, s.deadLettersKey(), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return taskqueue.ErrNotFound
	}
	job, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	job.State = taskqueue.Pending
	job.Retry = 0
	job.Scheduled = s.nowFn().UnixNano()
	job.Completed = 0
	if err := s.putJob(ctx, job); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.pendingKey(job.Priority), redis.Z{
		Score:  float64(job.Scheduled),
		Member: job.ID,
	}).Err()
}

// Lookup retrieves a single job by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*taskqueue.Job, error) {
	return s.getJob(ctx, id)
}

// DeadLetters lists dead-lettered jobs, most recently failed first.
func (s *Store) DeadLetters(ctx context.Context, request *taskqueue.ListRequest) (*taskqueue.ListResponse, error) {
	ids, err := s.client.ZRevRange(ctx, s.deadLettersKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var all []*taskqueue.Job
	for _, id := range ids {
		job, err := s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if request.Type != "" && job.Type != request.Type {
			continue
		}
		all = append(all, job)
	}
	rsp := &taskqueue.ListResponse{Total: len(all)}
	if request.Offset > 0 {
		if request.Offset >= len(all) {
			return rsp, nil
		}
		all = all[request.Offset:]
	}
	if request.Limit > 0 && request.Limit < len(all) {
		all = all[:request.Limit]
	}
	rsp.Jobs = all
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*taskqueue.Stats, error) {
	stats := &taskqueue.Stats{
		Pending: make(map[string]int),
	}
	for _, prio := range taskqueue.Priorities {
		n, err := s.client.ZCard(ctx, s.pendingKey(prio)).Result()
		if err != nil {
			return nil, err
		}
		stats.Pending[prio.String()] = int(n)
	}
	inflight, err := s.client.SCard(ctx, s.inflightKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.InFlight = int(inflight)

	completed, err := s.client.Get(ctx, s.completedKey()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	stats.Completed = completed

	dead, err := s.client.ZCard(ctx, s.deadLettersKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.DeadLetters = int(dead)
	return stats, nil
}
