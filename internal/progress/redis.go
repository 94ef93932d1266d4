package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"contract-backend/internal/shared/telemetry"
)

const bindingTTL = 24 * time.Hour

func eventChannel(runID string) string { return "runs:events:" + runID }
func bindingKey(key string) string     { return "runs:binding:" + key }
func runKeysKey(runID string) string   { return "runs:keys:" + runID }

// RedisBus is the production Bus: one pub/sub channel per run.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, runID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, eventChannel(runID), payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, runID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, eventChannel(runID))
	// Force the subscription onto the wire before we report success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", runID, err)
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan Event, 16)}
	go sub.pump(runID)
	return sub, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Event
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error { return s.pubsub.Close() }

func (s *redisSub) pump(runID string) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			telemetry.Error("progress.decode_failed", map[string]any{
				"run_id": runID,
				"error":  err.Error(),
			})
			continue
		}
		s.ch <- ev
	}
}

// RedisBindingStore keeps key-to-run bindings in Redis alongside a reverse
// set per run so terminal cleanup can find every key in one round trip.
type RedisBindingStore struct {
	client *redis.Client
}

func NewRedisBindingStore(client *redis.Client) *RedisBindingStore {
	return &RedisBindingStore{client: client}
}

func (s *RedisBindingStore) Bind(ctx context.Context, key, runID string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, bindingKey(key), runID, bindingTTL)
	pipe.SAdd(ctx, runKeysKey(runID), key)
	pipe.Expire(ctx, runKeysKey(runID), bindingTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisBindingStore) Resolve(ctx context.Context, key string) (string, error) {
	runID, err := s.client.Get(ctx, bindingKey(key)).Result()
	if err == redis.Nil {
		return "", ErrUnknownKey
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *RedisBindingStore) ReleaseRun(ctx context.Context, runID string) error {
	keys, err := s.client.SMembers(ctx, runKeysKey(runID)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, bindingKey(key))
	}
	pipe.Del(ctx, runKeysKey(runID))
	_, err = pipe.Exec(ctx)
	return err
}
