// Пакет draft — хранилище черновиков мастера подачи сообщения.
// Черновик хранится по ключу сессии целиком (JSON) и живёт DI_DRAFT_TTL
// с момента последнего сохранения. Потеря сессии или истечение TTL
// теряет черновик.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// ErrNotFound — черновика для сессии нет (не создан или истёк).
var ErrNotFound = errors.New("черновик не найден")

// Store — хранилище черновиков.
type Store interface {
	// Get возвращает черновик сессии или ErrNotFound.
	Get(ctx context.Context, sessionID string) (*model.Draft, error)
	// Save сохраняет черновик целиком и продлевает TTL.
	Save(ctx context.Context, d *model.Draft) error
	// Delete удаляет черновик. Отсутствие черновика — не ошибка.
	Delete(ctx context.Context, sessionID string) error
}

func encode(d *model.Draft) ([]byte, error) {
	if d == nil || d.SessionID == "" {
		return nil, fmt.Errorf("черновик без идентификатора сессии")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации черновика: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*model.Draft, error) {
	d := &model.Draft{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("ошибка десериализации черновика: %w", err)
	}
	return d, nil
}
