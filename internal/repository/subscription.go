package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// SubscriptionRepository — подтверждённые подписки на обновления сообщений.
type SubscriptionRepository interface {
	// Upsert создаёт подписку или обновляет адрес существующей.
	Upsert(ctx context.Context, s *model.ReportSubscription) error
	// ListByDisclosure возвращает подписчиков сообщения.
	ListByDisclosure(ctx context.Context, disclosureID int64) ([]model.ReportSubscription, error)
}

type subscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepository создаёт репозиторий подписок.
func NewSubscriptionRepository(db DBTX) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

func (r *subscriptionRepo) Upsert(ctx context.Context, s *model.ReportSubscription) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO report_subscriptions (disclosure_id, user_id, email, confirmed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (disclosure_id, user_id) DO UPDATE SET
			email = EXCLUDED.email,
			confirmed_at = EXCLUDED.confirmed_at
		RETURNING id`,
		s.DisclosureID, s.UserID, s.Email, s.ConfirmedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("ошибка сохранения подписки: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) ListByDisclosure(ctx context.Context, disclosureID int64) ([]model.ReportSubscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, disclosure_id, user_id, email, confirmed_at
		FROM report_subscriptions
		WHERE disclosure_id = $1
		ORDER BY id`, disclosureID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписок: %w", err)
	}
	defer rows.Close()

	var result []model.ReportSubscription
	for rows.Next() {
		var s model.ReportSubscription
		if err := rows.Scan(&s.ID, &s.DisclosureID, &s.UserID, &s.Email, &s.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписки: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
