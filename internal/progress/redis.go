package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannelPrefix prefixes the per-job pub/sub channel.
const DefaultRedisChannelPrefix = "etl:progress:"

// RedisSource subscribes to per-job progress channels. Each published
// message is a JSON object {"event": "progress"|"complete", "data": {...}}.
type RedisSource struct {
	Client *redis.Client
	Prefix string
}

// redisMessage is the payload published on a job channel.
type redisMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Channel returns the channel name for jobID.
func (s *RedisSource) Channel(jobID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return prefix + jobID
}

// Open subscribes to the job channel and waits for the subscription to be
// confirmed.
func (s *RedisSource) Open(ctx context.Context, jobID string) (Stream, error) {
	ps := s.Client.Subscribe(ctx, s.Channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.Channel(jobID), err)
	}
	return &redisStream{ps: ps}, nil
}

// Publish sends ev on the job channel. Used by producers and tests.
func (s *RedisSource) Publish(ctx context.Context, jobID string, ev Event) error {
	payload, err := json.Marshal(redisMessage{Event: ev.Name, Data: ev.Data})
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := s.Client.Publish(ctx, s.Channel(jobID), payload).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

type redisStream struct {
	ps *redis.PubSub
}

func (r *redisStream) Next(ctx context.Context) (Event, error) {
	for {
		msg, err := r.ps.ReceiveMessage(ctx)
		if err != nil {
			return Event{}, err
		}
		if ev, ok := decodeRedisMessage(msg.Payload); ok {
			return ev, nil
		}
	}
}

// decodeRedisMessage parses a published payload. Malformed payloads and
// payloads without an event name are skipped.
func decodeRedisMessage(payload string) (Event, bool) {
	var rm redisMessage
	if err := json.Unmarshal([]byte(payload), &rm); err != nil || rm.Event == "" {
		return Event{}, false
	}
	return Event{Name: rm.Event, Data: rm.Data}, true
}

func (r *redisStream) Close() error {
	return r.ps.Close()
}
