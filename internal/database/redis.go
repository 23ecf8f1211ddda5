package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis создаёт клиент Redis по URL и проверяет доступность.
// Пустой URL — Redis не настроен, возвращается (nil, nil).
func ConnectRedis(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга URL Redis: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}

	logger.Info("Подключение к Redis установлено",
		slog.String("addr", opts.Addr),
		slog.Int("db", opts.DB),
	)
	return client, nil
}

// RedisReadinessChecker — проверка готовности Redis для health endpoint.
type RedisReadinessChecker struct {
	client *redis.Client
}

// NewRedisReadinessChecker создаёт проверку готовности Redis.
func NewRedisReadinessChecker(client *redis.Client) *RedisReadinessChecker {
	return &RedisReadinessChecker{client: client}
}

// CheckReady выполняет PING.
func (c *RedisReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
