package draft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

const keyPrefix = "draft:"

// RedisStore — черновики в Redis (общие для всех инстансов).
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore создаёт хранилище черновиков в Redis.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*model.Draft, error) {
	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения черновика из Redis: %w", err)
	}
	return decode(data)
}

func (s *RedisStore) Save(ctx context.Context, d *model.Draft) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+d.SessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("ошибка записи черновика в Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("ошибка удаления черновика из Redis: %w", err)
	}
	return nil
}
