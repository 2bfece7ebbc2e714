package audit

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps an event with the originating instance ID so the
// consuming audit subsystem can attribute events in multi-instance setups.
type redisEnvelope struct {
	InstanceID string `json:"instance_id"`
	Event      Event  `json:"event"`
}

// RedisConfig holds the connection settings for the Redis audit sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DefaultRedisConfig returns the default Redis sink configuration.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "wirehub:",
	}
}

// RedisConfigFromEnv reads REDIS_* environment variables, falling back to
// defaults for unset or unparseable values.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
	if prefix := os.Getenv("REDIS_AUDIT_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// RedisSink publishes audit events to a Redis channel for the external
// audit subsystem. Events are queued in-process and published by a single
// worker; a full queue drops the event rather than stalling the caller.
type RedisSink struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     zerolog.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisSink creates a Redis-backed audit sink. Call Start before use.
func NewRedisSink(cfg *RedisConfig, logger zerolog.Logger) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisSink{
		client:     client,
		prefix:     cfg.Prefix,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "redis-audit").Logger(),
		events:     make(chan Event, 1024),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start verifies connectivity and launches the publish worker.
func (s *RedisSink) Start() error {
	if err := s.client.Ping(s.ctx).Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.publishLoop()

	s.logger.Info().
		Str("instance_id", s.instanceID).
		Str("channel", s.channel()).
		Msg("redis audit sink started")
	return nil
}

// Stop drains the worker and closes the Redis connection.
func (s *RedisSink) Stop() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}

// Available reports whether the sink is connected.
func (s *RedisSink) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Record queues an event for publication. Events are dropped when the sink
// is stopped or the queue is full.
func (s *RedisSink) Record(event string, attrs map[string]any) {
	if !s.Available() {
		return
	}
	select {
	case s.events <- Event{Event: event, Attrs: attrs, Time: time.Now().UTC()}:
	default:
		s.logger.Warn().Str("event", event).Msg("audit queue full, dropping")
	}
}

func (s *RedisSink) channel() string {
	return s.prefix + "audit"
}

func (s *RedisSink) publishLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.events:
			s.publish(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RedisSink) publish(ev Event) {
	data, err := json.Marshal(redisEnvelope{InstanceID: s.instanceID, Event: ev})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode audit event")
		return
	}
	if err := s.client.Publish(s.ctx, s.channel(), data).Err(); err != nil {
		s.logger.Error().Err(err).Str("event", ev.Event).Msg("audit publish failed")
	}
}
