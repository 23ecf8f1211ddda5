package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// NotificationRepository — интерфейс доступа к уведомлениям.
type NotificationRepository interface {
	// InsertBatch сохраняет все уведомления события одним запросом.
	// Возвращает сохранённые строки с идентификаторами.
	InsertBatch(ctx context.Context, items []model.Notification) ([]model.Notification, error)
	// List возвращает уведомления пользователя, новые сначала.
	List(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]model.Notification, error)
	// UnreadCount возвращает количество непрочитанных уведомлений.
	UnreadCount(ctx context.Context, userID int64) (int, error)
	// MarkRead отмечает уведомление пользователя прочитанным.
	MarkRead(ctx context.Context, userID, id int64) error
	// MarkAllRead отмечает все уведомления пользователя прочитанными.
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
}

type notificationRepo struct {
	db DBTX
}

// NewNotificationRepository создаёт репозиторий уведомлений.
func NewNotificationRepository(db DBTX) NotificationRepository {
	return &notificationRepo{db: db}
}

const notificationColumns = `id, user_id, event_type, message, email, is_read, created_at`

func (r *notificationRepo) InsertBatch(ctx context.Context, items []model.Notification) ([]model.Notification, error) {
	if len(items) == 0 {
		return nil, nil
	}

	userIDs := make([]int64, len(items))
	events := make([]string, len(items))
	messages := make([]string, len(items))
	emails := make([]*string, len(items))
	for i, n := range items {
		userIDs[i] = n.UserID
		events[i] = n.EventType
		messages[i] = n.Message
		emails[i] = n.Email
	}

	query := fmt.Sprintf(`
		INSERT INTO notifications (user_id, event_type, message, email)
		SELECT u, e, m, em
		FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[]) AS t(u, e, m, em)
		RETURNING %s`, notificationColumns)

	rows, err := r.db.Query(ctx, query, userIDs, events, messages, emails)
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения уведомлений: %w", err)
	}
	defer rows.Close()

	saved, err := scanNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения уведомлений: %w", err)
	}
	return saved, nil
}

func (r *notificationRepo) List(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM notifications
		WHERE user_id = $1 AND ($2 = FALSE OR NOT is_read)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, notificationColumns)

	rows, err := r.db.Query(ctx, query, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения уведомлений: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

func (r *notificationRepo) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта уведомлений: %w", err)
	}
	return count, nil
}

func (r *notificationRepo) MarkRead(ctx context.Context, userID, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("ошибка отметки уведомления: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *notificationRepo) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("ошибка отметки уведомлений: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanNotifications(rows pgx.Rows) ([]model.Notification, error) {
	result := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.EventType, &n.Message, &n.Email, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования уведомления: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
