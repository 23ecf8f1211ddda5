package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// DisclosureTypeRepository — справочник типов сообщений.
type DisclosureTypeRepository interface {
	// GetByID возвращает тип по идентификатору (в том числе неактивный).
	GetByID(ctx context.Context, id int64) (*model.DisclosureType, error)
	// ListActive возвращает активные типы.
	ListActive(ctx context.Context) ([]*model.DisclosureType, error)
}

type disclosureTypeRepo struct {
	db DBTX
}

// NewDisclosureTypeRepository создаёт репозиторий справочника типов.
func NewDisclosureTypeRepository(db DBTX) DisclosureTypeRepository {
	return &disclosureTypeRepo{db: db}
}

const dtColumns = `id, code, name_en, name_ru, is_active`

func (r *disclosureTypeRepo) GetByID(ctx context.Context, id int64) (*model.DisclosureType, error) {
	query := fmt.Sprintf(`SELECT %s FROM disclosure_types WHERE id = $1`, dtColumns)

	t := &model.DisclosureType{}
	err := r.db.QueryRow(ctx, query, id).Scan(&t.ID, &t.Code, &t.NameEN, &t.NameRU, &t.IsActive)
	if err != nil {
		return nil, notFound(err, "типа сообщения")
	}
	return t, nil
}

func (r *disclosureTypeRepo) ListActive(ctx context.Context) ([]*model.DisclosureType, error) {
	query := fmt.Sprintf(`SELECT %s FROM disclosure_types WHERE is_active ORDER BY name_en`, dtColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения типов сообщений: %w", err)
	}
	defer rows.Close()

	var result []*model.DisclosureType
	for rows.Next() {
		t := &model.DisclosureType{}
		if err := rows.Scan(&t.ID, &t.Code, &t.NameEN, &t.NameRU, &t.IsActive); err != nil {
			return nil, fmt.Errorf("ошибка сканирования типа сообщения: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
