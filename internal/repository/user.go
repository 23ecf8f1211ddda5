package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// UserRepository — интерфейс доступа к таблице users.
type UserRepository interface {
	// GetByID возвращает пользователя по локальному идентификатору.
	GetByID(ctx context.Context, id int64) (*model.User, error)
	// GetByExternalID возвращает пользователя по идентификатору IdP.
	GetByExternalID(ctx context.Context, externalID string) (*model.User, error)
	// Mirror создаёт локальную запись пользователя из справочника.
	// При повторном вызове обновляет атрибуты справочника, роль не трогает.
	Mirror(ctx context.Context, u *model.User) error
	// ListActiveByRole возвращает активных пользователей с ролью.
	ListActiveByRole(ctx context.Context, role string) ([]*model.User, error)
	// List возвращает пользователей с фильтрацией.
	List(ctx context.Context, filter model.UserFilter, limit, offset int) ([]*model.User, error)
	// Update меняет роль и/или признак активности. nil — не менять.
	Update(ctx context.Context, id int64, role *string, isActive *bool) (*model.User, error)
	// ConfirmEmail отмечает адрес пользователя подтверждённым.
	ConfirmEmail(ctx context.Context, id int64, at time.Time) error
}

// userRepo — реализация UserRepository.
type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, external_id, username, display_name, email, department, role,
	is_active, email_confirmed, email_confirmed_at, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.Username, &u.DisplayName, &u.Email, &u.Department, &u.Role,
		&u.IsActive, &u.EmailConfirmed, &u.EmailConfirmedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "пользователя")
	}
	return u, nil
}

func (r *userRepo) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE external_id = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, externalID))
	if err != nil {
		return nil, notFound(err, "пользователя")
	}
	return u, nil
}

func (r *userRepo) Mirror(ctx context.Context, u *model.User) error {
	query := fmt.Sprintf(`
		INSERT INTO users (external_id, username, display_name, email, department, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			department = EXCLUDED.department,
			updated_at = NOW()
		RETURNING %s`, userColumns)

	saved, err := scanUser(r.db.QueryRow(ctx, query,
		u.ExternalID, u.Username, u.DisplayName, u.Email, u.Department, u.Role,
	))
	if err != nil {
		return fmt.Errorf("ошибка сохранения пользователя: %w", err)
	}
	*u = *saved
	return nil
}

func (r *userRepo) ListActiveByRole(ctx context.Context, role string) ([]*model.User, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM users
		WHERE role = $1 AND is_active
		ORDER BY id`, userColumns)
	return r.queryUsers(ctx, query, role)
}

func (r *userRepo) List(ctx context.Context, filter model.UserFilter, limit, offset int) ([]*model.User, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Role != nil {
		args = append(args, *filter.Role)
		conditions = append(conditions, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s FROM users
		%s
		ORDER BY username
		LIMIT $%d OFFSET $%d`, userColumns, where, len(args)-1, len(args))

	return r.queryUsers(ctx, query, args...)
}

func (r *userRepo) Update(ctx context.Context, id int64, role *string, isActive *bool) (*model.User, error) {
	query := fmt.Sprintf(`
		UPDATE users SET
			role = COALESCE($2, role),
			is_active = COALESCE($3, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, userColumns)

	u, err := scanUser(r.db.QueryRow(ctx, query, id, role, isActive))
	if err != nil {
		return nil, notFound(err, "пользователя")
	}
	return u, nil
}

func (r *userRepo) ConfirmEmail(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET email_confirmed = TRUE, email_confirmed_at = $2, updated_at = NOW()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка подтверждения email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) queryUsers(ctx context.Context, query string, args ...any) ([]*model.User, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка пользователей: %w", err)
	}
	defer rows.Close()

	var result []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}
