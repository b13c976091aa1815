package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// BusMessage is the cross-instance envelope: an already-encoded event frame
// plus enough routing to deliver it and to drop our own echoes.
type BusMessage struct {
	Origin    string `json:"origin"`
	SessionID string `json:"sessionId"`
	Payload   []byte `json:"payload"`
}

// RedisBus republishes accepted broadcasts over redis pub/sub so gateways
// behind a load balancer share one logical room per session.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(ctx context.Context, addr string, db int, log *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{rdb: rdb, log: log}, nil
}

func (b *RedisBus) Publish(ctx context.Context, m BusMessage) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel(m.SessionID), raw).Err()
}

// Subscribe listens on every session channel and invokes fn per message
// until ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(BusMessage)) {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn("bus.decode", "err", err)
				continue
			}
			if m.SessionID != "" {
				fn(m)
			}
		}
	}
}

func (b *RedisBus) Close() {
	_ = b.rdb.Close()
}

func channel(sessionID string) string {
	return "session:" + sessionID
}
