package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// EmailVerificationRepository — одноразовые токены подтверждения.
type EmailVerificationRepository interface {
	// Create сохраняет токен (только хэш).
	Create(ctx context.Context, v *model.EmailVerification) error
	// GetByID возвращает токен по идентификатору.
	GetByID(ctx context.Context, id int64) (*model.EmailVerification, error)
	// Latest возвращает самый свежий токен пользователя с назначением.
	Latest(ctx context.Context, userID int64, purpose string) (*model.EmailVerification, error)
	// IncrementAttempts увеличивает счётчик неудачных проверок.
	IncrementAttempts(ctx context.Context, id int64) error
	// Consume отмечает токен использованным, если он ещё не использован.
	// ErrNotFound — токен отсутствует или уже использован.
	Consume(ctx context.Context, id int64, at time.Time) error
	// Delete удаляет токен, письмо с которым не было доставлено.
	Delete(ctx context.Context, id int64) error
}

type emailVerificationRepo struct {
	db DBTX
}

// NewEmailVerificationRepository создаёт репозиторий токенов подтверждения.
func NewEmailVerificationRepository(db DBTX) EmailVerificationRepository {
	return &emailVerificationRepo{db: db}
}

const evColumns = `id, user_id, token_hash, purpose, email, created_at, expires_at, consumed_at, attempts`

func scanVerification(row pgx.Row) (*model.EmailVerification, error) {
	v := &model.EmailVerification{}
	err := row.Scan(&v.ID, &v.UserID, &v.TokenHash, &v.Purpose, &v.Email,
		&v.CreatedAt, &v.ExpiresAt, &v.ConsumedAt, &v.Attempts)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *emailVerificationRepo) Create(ctx context.Context, v *model.EmailVerification) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO email_verifications (user_id, token_hash, purpose, email, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		v.UserID, v.TokenHash, v.Purpose, v.Email, v.CreatedAt, v.ExpiresAt,
	).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("ошибка сохранения токена подтверждения: %w", err)
	}
	return nil
}

func (r *emailVerificationRepo) GetByID(ctx context.Context, id int64) (*model.EmailVerification, error) {
	query := fmt.Sprintf(`SELECT %s FROM email_verifications WHERE id = $1`, evColumns)
	v, err := scanVerification(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "токена подтверждения")
	}
	return v, nil
}

func (r *emailVerificationRepo) Latest(ctx context.Context, userID int64, purpose string) (*model.EmailVerification, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_verifications
		WHERE user_id = $1 AND purpose = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, evColumns)
	v, err := scanVerification(r.db.QueryRow(ctx, query, userID, purpose))
	if err != nil {
		return nil, notFound(err, "токена подтверждения")
	}
	return v, nil
}

func (r *emailVerificationRepo) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE email_verifications SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка учёта попытки подтверждения: %w", err)
	}
	return nil
}

func (r *emailVerificationRepo) Consume(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE email_verifications SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка использования токена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *emailVerificationRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM email_verifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления токена подтверждения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
