package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisRelay shares notifications between service instances over Redis
// pub/sub. Each recipient hospital has its own channel so external
// consumers can follow a single hospital.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin string
	hub    *Hub
	log    *zap.Logger
}

// NewRedisRelay creates a relay publishing under prefix. origin tags
// messages from this instance so they are not delivered twice locally.
func NewRedisRelay(client *redis.Client, prefix, origin string, hub *Hub, log *zap.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "referrals"
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		origin: origin,
		hub:    hub,
		log:    log.Named("redis-relay"),
	}
}

func (r *RedisRelay) Name() string { return "redis" }

// Channel returns the pub/sub channel of a hospital.
func (r *RedisRelay) Channel(hospitalID domain.HospitalID) string {
	return fmt.Sprintf("%s:hospital:%s", r.prefix, hospitalID)
}

// Forward publishes msg once per recipient channel.
func (r *RedisRelay) Forward(ctx context.Context, msg Message) error {
	msg.Origin = r.origin
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	for _, recipient := range msg.Recipients {
		if err := r.client.Publish(ctx, r.Channel(domain.HospitalID(recipient)), data).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", recipient, err)
		}
	}
	return nil
}

// Run delivers messages published by other instances to local subscribers
// until ctx is cancelled. ready, if not nil, is closed once the
// subscription is active.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pattern := r.prefix + ":hospital:*"
	pubsub := r.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("relay listening", zap.String("pattern", pattern))

	channelPrefix := r.prefix + ":hospital:"
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn("malformed relay message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if msg.Origin == r.origin {
				continue
			}
			hospitalID := domain.HospitalID(strings.TrimPrefix(m.Channel, channelPrefix))
			r.hub.DeliverTo(hospitalID, msg)
		}
	}
}
