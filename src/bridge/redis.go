package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/dispatch"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps an event with the originating instance ID
// so that a process can skip its own published events.
type redisEnvelope struct {
	InstanceID string          `json:"instance_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RedisBridge relays dispatcher events between processes via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     LocalTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

var _ Bridge = (*RedisBridge)(nil)

// NewRedisBridge creates a bridge publishing on "<prefix>events:<scope>".
// Scope is usually the user id so different accounts never mix.
func NewRedisBridge(cfg *config.RedisConfig, scope string, target LocalTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Prefix + "events:" + scope,
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the Redis event channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends an event to all other processes via Redis. Connection
// events stay local and are not published.
func (b *RedisBridge) Publish(ev dispatch.Event) error {
	if !types.SharedEvent(ev.Name) {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(redisEnvelope{
		InstanceID: b.instanceID,
		Name:       ev.Name,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and forwards events from other
// instances to the local dispatcher, with the payload decoded into the
// type a local emit of the same event carries.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip events that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}

	if !types.SharedEvent(env.Name) {
		b.logger.Debug().Str("event", env.Name).Msg("ignoring connection event from redis")
		return
	}
	payload, err := types.DecodeEventPayload(env.Name, env.Payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event", env.Name).Msg("failed to decode relayed payload")
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("event", env.Name).
		Msg("relaying event from redis")

	b.target.EmitLocal(dispatch.Event{
		Name:      env.Name,
		Payload:   payload,
		Timestamp: env.Timestamp,
	})
}
