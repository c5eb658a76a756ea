package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamperf/internal/core/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrSinkClosed = errors.New("event sink closed")
	ErrSinkFull   = errors.New("event sink queue full")
)

// SinkConfig configures the Redis event sink
type SinkConfig struct {
	Channel    string
	InstanceID string
	SessionID  string
	QueueSize  int
	MaxRetries int
	// RetryBackoff is the initial backoff between publish attempts
	RetryBackoff time.Duration
	// PublishTimeout bounds one PUBLISH round-trip
	PublishTimeout time.Duration
	// DrainTimeout bounds how long Close waits for queued events
	DrainTimeout time.Duration
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Channel:        "streamperf:events",
		QueueSize:      256,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		PublishTimeout: time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// Envelope is the JSON message published for every controller event
type Envelope struct {
	ID         string           `json:"id"`
	Type       domain.EventType `json:"type"`
	InstanceID string           `json:"instance_id"`
	SessionID  string           `json:"session_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// SinkStats is a snapshot of sink counters
type SinkStats struct {
	Published uint64
	Failed    uint64
	Dropped   uint64
	Queued    int
}

// RedisEventSink forwards events to a Redis pub/sub channel from a single
// background worker. Publish never blocks on Redis.
type RedisEventSink struct {
	client redis.UniversalClient
	config SinkConfig
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewRedisEventSink(client redis.UniversalClient, config SinkConfig, logger *zap.SugaredLogger) *RedisEventSink {
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	if config.Channel == "" {
		config.Channel = DefaultSinkConfig().Channel
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisEventSink{
		client: client,
		config: config,
		logger: logger,
		queue:  make(chan domain.Event, config.QueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.worker()
	return s
}

// Publish queues event for delivery. It fails fast when the queue is full.
func (s *RedisEventSink) Publish(ctx context.Context, event domain.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.dropped.Add(1)
		return ErrSinkFull
	}
}

func (s *RedisEventSink) worker() {
	defer close(s.done)

	for event := range s.queue {
		if err := s.send(event); err != nil {
			s.failed.Add(1)
			s.logger.Warnw("failed to publish event to redis",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			continue
		}
		s.published.Add(1)
	}
}

// EncodeEvent wraps event in the published envelope
func EncodeEvent(event domain.Event, instanceID, sessionID string) ([]byte, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		ID:         event.ID,
		Type:       event.Type,
		InstanceID: instanceID,
		SessionID:  sessionID,
		Timestamp:  event.Timestamp,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func (s *RedisEventSink) send(event domain.Event) error {
	data, err := EncodeEvent(event, s.config.InstanceID, s.config.SessionID)
	if err != nil {
		return err
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if s.config.RetryBackoff > 0 {
			ebo.InitialInterval = s.config.RetryBackoff
		}
		ebo.Reset()
		if s.config.MaxRetries > 0 {
			return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
		}
		return ebo
	}

	op := func() error {
		ctx := s.ctx
		if s.config.PublishTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.config.PublishTimeout)
			defer cancel()
		}
		return s.client.Publish(ctx, s.config.Channel, data).Err()
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), s.ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debugw("published event", "event_id", event.ID, "type", event.Type)
	return nil
}

// Close stops accepting events and waits up to DrainTimeout for queued ones
func (s *RedisEventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	if s.config.DrainTimeout > 0 {
		timer := time.NewTimer(s.config.DrainTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warnw("event sink drain timed out", "queued", len(s.queue))
		}
	}
	s.cancel()
	<-s.done
	return nil
}

func (s *RedisEventSink) Stats() SinkStats {
	return SinkStats{
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Queued:    len(s.queue),
	}
}
