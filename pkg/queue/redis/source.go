// Package redis is the reference JobSource (§EXP-2): a Redis Streams
// consumer-group queue that feeds models.JobRequest values into the
// dispatch front-end's Run() calls. The dispatch core never imports this
// package directly — only cmd/agent wires it in, using the concrete *Source,
// matching the teacher's queue_store.go Pop/Ack split between transport and
// payload.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"forgeagent/pkg/models"
)

const streamKeyPending = "forgeagent:dispatch:pending"

// JobSource is what cmd/agent needs to feed the dispatch front-end: pull the
// next job, and acknowledge it once the front-end has accepted it.
type JobSource interface {
	Next(ctx context.Context) (token string, job *models.JobRequest, err error)
	Ack(ctx context.Context, token string) error
}

// Config mirrors the teacher's RedisQueueConfig.
type Config struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	Group        string
	Consumer     string
}

func DefaultConfig(addr, group, consumer string) Config {
	return Config{
		Addr:         addr,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		Group:        group,
		Consumer:     consumer,
	}
}

// Source is the production JobSource: a Redis Streams consumer group over
// streamKeyPending.
type Source struct {
	client   *goredis.Client
	group    string
	consumer string
}

func NewSource(cfg Config) (*Source, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect to redis: %w", err)
	}

	s := &Source{client: client, group: cfg.Group, consumer: cfg.Consumer}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) Close() error {
	return s.client.Close()
}

func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, streamKeyPending, s.group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

// Push enqueues a job for dispatch. Not part of JobSource — used by
// whatever upstream system hands jobs to this agent pool, and by tests.
func (s *Source) Push(ctx context.Context, job *models.JobRequest) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKeyPending,
		Values: map[string]interface{}{
			"payload": payload,
			"job_id":  job.JobID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: push job: %w", err)
	}
	return nil
}

// Next blocks up to 2 seconds waiting for the next job in this consumer
// group. A nil job with a nil error means the poll timed out with nothing
// pending — callers loop and call Next again.
func (s *Source) Next(ctx context.Context) (string, *models.JobRequest, error) {
	streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{streamKeyPending, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()

	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("queue: read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("queue: message %s has no payload field", msg.ID)
	}

	var job models.JobRequest
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return msg.ID, nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return msg.ID, &job, nil
}

// Ack acknowledges a job the front-end has accepted into Run().
func (s *Source) Ack(ctx context.Context, token string) error {
	return s.client.XAck(ctx, streamKeyPending, s.group, token).Err()
}
