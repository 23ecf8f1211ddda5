package draft

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// MemoryStore — черновики в памяти процесса (один инстанс, без Redis).
// Хранит сериализованную копию: изменения возвращённого черновика
// не видны без Save.
type MemoryStore struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemoryStore создаёт LRU-хранилище с ограничением размера и TTL.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{cache: expirable.NewLRU[string, []byte](maxSize, nil, ttl)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*model.Draft, error) {
	data, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

// Save перезаписывает ключ: Add продлевает TTL записи.
func (s *MemoryStore) Save(_ context.Context, d *model.Draft) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	s.cache.Add(d.SessionID, data)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.cache.Remove(sessionID)
	return nil
}
