// Package sinks bridges alert traffic to external systems. Unlike the
// per-client transports in pkg/api, these sinks register once under the
// wildcard scope and observe every patient.
package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/config"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
)

const redisQueueSize = 256

// RedisStreamSink appends every delivered payload onto a capped Redis stream
// for downstream consumers (dashboards, analytics, replay). Writes go through
// an internal queue drained by a single goroutine so a slow or unreachable
// Redis never stalls alert dispatch, and entry order matches delivery order.
type RedisStreamSink struct {
	id        string
	client    *redis.Client
	stream    string
	maxLen    int64
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Ensure RedisStreamSink implements Sink
var _ services.Sink = (*RedisStreamSink)(nil)

// NewRedisClient creates a Redis client from gateway configuration.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "alerts:events"
	}
	if maxLen <= 0 {
		maxLen = 4096
	}
	s := &RedisStreamSink{
		id:     uuid.New().String(),
		client: client,
		stream: stream,
		maxLen: maxLen,
		queue:  make(chan []byte, redisQueueSize),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *RedisStreamSink) ID() string {
	return s.id
}

// Send enqueues the payload for the drain goroutine. It never blocks and
// never returns an error: a transient Redis outage must not get the audit
// sink evicted from the registry.
func (s *RedisStreamSink) Send(message []byte) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.queue <- message:
	default:
		logrus.Warnf("Redis stream sink queue full, dropping message")
	}
	return nil
}

// Close stops the drain goroutine after flushing buffered messages. Safe to
// call more than once.
func (s *RedisStreamSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *RedisStreamSink) drain() {
	for {
		select {
		case message := <-s.queue:
			s.append(message)
		case <-s.done:
			for {
				select {
				case message := <-s.queue:
					s.append(message)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisStreamSink) append(message []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":      string(message),
			"timestamp": time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		logrus.Warnf("Failed to append alert to Redis stream %s: %v", s.stream, err)
	}
}
