package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// envelope — сообщение в канале Redis pub/sub.
type envelope struct {
	Key     string  `json:"key"`
	Message Message `json:"message"`
}

// RedisBroadcaster публикует сообщения в канал Redis; каждый инстанс
// ретранслирует полученные из канала сообщения в свой локальный Hub.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisBroadcaster создаёт межинстансный publisher.
func NewRedisBroadcaster(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With(slog.String("component", "push_redis")),
	}
}

// Publish отправляет сообщение в канал Redis.
// Локальные подписчики получат его через Run, как и подписчики других инстансов.
func (b *RedisBroadcaster) Publish(ctx context.Context, key string, msg Message) error {
	payload, err := json.Marshal(envelope{Key: key, Message: msg})
	if err != nil {
		return fmt.Errorf("ошибка сериализации push-сообщения: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("ошибка публикации в Redis: %w", err)
	}
	return nil
}

// Run подписывается на канал и ретранслирует сообщения в Hub
// до отмены ctx.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Дожидаемся подтверждения подписки
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("ошибка подписки на канал %s: %w", b.channel, err)
	}
	b.logger.Info("Подписка на канал push установлена", slog.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.logger.Warn("Некорректное push-сообщение из Redis", slog.String("error", err.Error()))
				continue
			}
			b.hub.deliver(env.Key, env.Message)
		}
	}
}
