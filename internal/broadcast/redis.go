package broadcast

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/DesignJungle/qhop/internal/hub"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "qhop:"

// RedisBus routes topic publishes through a Redis channel so that every
// service instance delivers the event to its own connected clients. The
// local hub receives events through the same relay, keeping single- and
// multi-instance behaviour identical.
type RedisBus struct {
	client *redis.Client
	hub    *hub.Hub
}

func NewRedisBus(addr, password string, h *hub.Hub) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &RedisBus{client: client, hub: h}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) {
	if err := b.client.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		// Fire-and-forget: deliver locally so this instance's clients are
		// not starved by a redis outage; the sweep covers the rest.
		log.Printf("redis publish %s: %v", topic, err)
		b.hub.Broadcast(topic, payload)
	}
}

// Relay subscribes to the bus and feeds received events into the local
// hub. It reconnects with backoff until the context is cancelled.
func (b *RedisBus) Relay(ctx context.Context) {
	for {
		if err := b.relayOnce(ctx); err != nil {
			log.Printf("redis relay: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *RedisBus) relayOnce(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := strings.TrimPrefix(msg.Channel, channelPrefix)
			b.hub.Broadcast(topic, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
